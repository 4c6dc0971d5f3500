// Package scheduler decides which issues may start and advances the progress
// ledger as issues finish. It combines the immutable dependency graph with
// the persisted ledger; every query re-reads the ledger so independent
// callers observe the latest committed state.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"batchline/internal/graph"
	"batchline/internal/journal"
	"batchline/internal/ledger"
)

var (
	// ErrNotFound means the issue id is absent from the dependency graph.
	ErrNotFound = fmt.Errorf("issue not found in dependency graph")
	// ErrInvalidTransition rejects a transition the lifecycle does not allow.
	ErrInvalidTransition = fmt.Errorf("invalid transition")
)

// Scheduler answers scheduling queries and performs transitions. The Store is
// injected; schedulers sharing a ledger path see each other's writes,
// schedulers with separate stores never interfere.
type Scheduler struct {
	Graph   *graph.Graph
	Store   ledger.Store
	Journal *journal.Writer
	Now     func() time.Time
}

// New returns a scheduler over a graph and ledger store.
func New(g *graph.Graph, store ledger.Store) Scheduler {
	return Scheduler{Graph: g, Store: store, Now: time.Now}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Scheduler) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Conflict is one reason an issue may not run alongside an in-progress issue.
type Conflict struct {
	IssueID int      `json:"issue_id"`
	Kind    string   `json:"kind"` // explicit or file_conflict
	Reason  string   `json:"reason"`
	Files   []string `json:"files,omitempty"`
}

// Blocked pairs an issue with the first reason it cannot start.
type Blocked struct {
	IssueID int    `json:"issue_id"`
	Batch   string `json:"batch"`
	Reason  string `json:"reason"`
}

// CanStart checks whether an issue may transition to in-progress right now.
// The checks short-circuit in a fixed order; the returned reason names the
// first failing gate.
func (s Scheduler) CanStart(ctx context.Context, id int) (bool, string, error) {
	if _, ok := s.Graph.Issues[id]; !ok {
		return false, "", fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	st, err := s.Store.Load(ctx)
	if err != nil {
		return false, "", err
	}
	ok, reason := s.canStart(st, id)
	return ok, reason, nil
}

func (s Scheduler) canStart(st *ledger.State, id int) (bool, string) {
	iss := s.Graph.Issues[id]

	switch st.IssueStatus(id) {
	case ledger.StatusComplete:
		return false, fmt.Sprintf("issue %d is already complete", id)
	case ledger.StatusInProgress:
		return false, fmt.Sprintf("issue %d is already in progress", id)
	case ledger.StatusFailed:
		return false, fmt.Sprintf("issue %d has failed; reset it to retry", id)
	}

	b := s.Graph.Batches[iss.Batch]
	if b != nil {
		for _, depBatch := range b.DependsOnBatches() {
			if !s.batchComplete(st, depBatch) {
				return false, fmt.Sprintf("blocked by batch %s (not complete)", depBatch)
			}
		}
	}

	for _, dep := range iss.DependsOn {
		if st.IssueStatus(dep) != ledger.StatusComplete {
			return false, fmt.Sprintf("blocked by issue #%d (dependency not complete)", dep)
		}
	}

	if conflicts := s.conflicts(st, id); len(conflicts) > 0 {
		ids := make([]string, len(conflicts))
		for i, c := range conflicts {
			ids[i] = fmt.Sprintf("#%d", c.IssueID)
		}
		return false, fmt.Sprintf("conflicts with in-progress issues: %s", strings.Join(ids, ", "))
	}

	if b != nil {
		inProgress := 0
		for _, member := range b.Issues {
			if st.IssueStatus(member) == ledger.StatusInProgress {
				inProgress++
			}
		}
		if inProgress >= b.ParallelLimit {
			return false, fmt.Sprintf("batch %s parallel limit reached (%d)", b.ID, b.ParallelLimit)
		}
	}

	return true, ""
}

// batchComplete re-derives batch completion from issue records. The cached
// batch record is trusted only when it claims completion; a stale or absent
// cache falls back to checking every member.
func (s Scheduler) batchComplete(st *ledger.State, batchID string) bool {
	if st.BatchComplete(batchID) {
		return true
	}
	b, ok := s.Graph.Batches[batchID]
	if !ok {
		return false
	}
	for _, member := range b.Issues {
		if st.IssueStatus(member) != ledger.StatusComplete {
			return false
		}
	}
	return true
}

// Conflicts reports explicit and file-overlap conflicts between an issue and
// every currently in-progress issue.
func (s Scheduler) Conflicts(ctx context.Context, id int) ([]Conflict, error) {
	if _, ok := s.Graph.Issues[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	st, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.conflicts(st, id), nil
}

func (s Scheduler) conflicts(st *ledger.State, id int) []Conflict {
	iss := s.Graph.Issues[id]
	var out []Conflict
	for _, otherID := range s.Graph.Order {
		if otherID == id || st.IssueStatus(otherID) != ledger.StatusInProgress {
			continue
		}
		other := s.Graph.Issues[otherID]
		if containsInt(iss.ConflictsWith, otherID) {
			out = append(out, Conflict{
				IssueID: otherID,
				Kind:    "explicit",
				Reason:  "explicit conflict relationship",
			})
			continue
		}
		if files := intersect(iss.Files, other.Files); len(files) > 0 {
			out = append(out, Conflict{
				IssueID: otherID,
				Kind:    "file_conflict",
				Reason:  "modifying same files",
				Files:   files,
			})
		}
	}
	return out
}

// ReadyIssues lists pending issues whose every gate currently passes, in
// declaration order. Priority ordering is the resolver's concern, not ours.
func (s Scheduler) ReadyIssues(ctx context.Context, batchID string) ([]int, error) {
	if batchID != "" {
		if _, ok := s.Graph.Batches[batchID]; !ok {
			return nil, fmt.Errorf("unknown batch %s", batchID)
		}
	}
	st, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.readyIssues(st, batchID), nil
}

func (s Scheduler) readyIssues(st *ledger.State, batchID string) []int {
	order := s.Graph.Order
	if batchID != "" {
		order = s.Graph.Batches[batchID].Issues
	}
	var ready []int
	for _, id := range order {
		if _, ok := s.Graph.Issues[id]; !ok {
			continue
		}
		if st.IssueStatus(id) != ledger.StatusPending {
			continue
		}
		if ok, _ := s.canStart(st, id); ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// BlockedIssues lists every issue that is neither complete nor in progress
// and cannot start, with the first blocking reason.
func (s Scheduler) BlockedIssues(ctx context.Context) ([]Blocked, error) {
	st, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.blockedIssues(st), nil
}

func (s Scheduler) blockedIssues(st *ledger.State) []Blocked {
	var blocked []Blocked
	for _, id := range s.Graph.Order {
		switch st.IssueStatus(id) {
		case ledger.StatusComplete, ledger.StatusInProgress:
			continue
		}
		if ok, reason := s.canStart(st, id); !ok {
			blocked = append(blocked, Blocked{IssueID: id, Batch: s.Graph.Issues[id].Batch, Reason: reason})
		}
	}
	return blocked
}

// IncompleteSoftDeps returns the issue's soft dependencies that are not yet
// complete. Soft dependencies warn, never block.
func (s Scheduler) IncompleteSoftDeps(ctx context.Context, id int) ([]int, error) {
	iss, ok := s.Graph.Issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	st, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var incomplete []int
	for _, dep := range iss.SoftDependsOn {
		if st.IssueStatus(dep) != ledger.StatusComplete {
			incomplete = append(incomplete, dep)
		}
	}
	return incomplete, nil
}

// MarkInProgress transitions an issue to in-progress. The start gate is
// re-checked inside the store's locked update, so two racing callers cannot
// both claim the same issue.
func (s Scheduler) MarkInProgress(ctx context.Context, id int, actorID string) error {
	if _, ok := s.Graph.Issues[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	var from ledger.Status
	err := s.Store.Update(ctx, func(st *ledger.State) error {
		if ok, reason := s.canStart(st, id); !ok {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, reason)
		}
		rec := st.EnsureIssue(id)
		from = rec.Status
		now := s.timestamp()
		rec.Status = ledger.StatusInProgress
		rec.StartedAt = &now
		rec.CompletedAt = nil
		rec.FailureReason = ""
		s.touch(st)
		return nil
	})
	if err != nil {
		return err
	}
	s.journal(ctx, "issue.started", id, from, ledger.StatusInProgress, actorID, nil)
	return nil
}

// CompleteResult reports what a completion unlocked.
type CompleteResult struct {
	IssueID         int      `json:"issue_id"`
	AlreadyComplete bool     `json:"already_complete"`
	CompletedBatch  string   `json:"completed_batch,omitempty"`
	NewlyReady      []int    `json:"newly_ready,omitempty"`
	ReadyBatches    []string `json:"ready_batches,omitempty"`
}

// MarkComplete transitions an issue to complete and cascades: it records
// batch completion once every member is complete, and reports issues and
// batches that became eligible. Completing an already-complete issue is a
// no-op, never an error.
func (s Scheduler) MarkComplete(ctx context.Context, id int, prURL, actorID string) (CompleteResult, error) {
	iss, ok := s.Graph.Issues[id]
	if !ok {
		return CompleteResult{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	res := CompleteResult{IssueID: id}
	var from ledger.Status
	err := s.Store.Update(ctx, func(st *ledger.State) error {
		res = CompleteResult{IssueID: id}
		rec := st.EnsureIssue(id)
		from = rec.Status
		if rec.Status == ledger.StatusComplete {
			res.AlreadyComplete = true
			return nil
		}
		readyBefore := s.readyIssues(st, "")

		now := s.timestamp()
		rec.Status = ledger.StatusComplete
		rec.CompletedAt = &now
		rec.FailureReason = ""
		if prURL != "" {
			rec.PRURL = prURL
		}
		s.touch(st)

		if iss.Batch != "" && !st.BatchComplete(iss.Batch) && s.batchComplete(st, iss.Batch) {
			b := s.Graph.Batches[iss.Batch]
			st.Batches[iss.Batch] = &ledger.BatchRecord{
				Status:      ledger.StatusComplete,
				CompletedAt: now,
				IssuesCount: len(b.Issues),
			}
			res.CompletedBatch = iss.Batch
			res.ReadyBatches = s.readyBatches(st)
		}

		res.NewlyReady = diffInts(s.readyIssues(st, ""), readyBefore)
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}
	if !res.AlreadyComplete {
		s.journal(ctx, "issue.completed", id, from, ledger.StatusComplete, actorID, journal.Payload{"pr_url": prURL, "batch": res.CompletedBatch})
	}
	return res, nil
}

// readyBatches lists incomplete batches whose batch-level dependencies are
// all satisfied.
func (s Scheduler) readyBatches(st *ledger.State) []string {
	var out []string
	for _, batchID := range sortedBatchIDs(s.Graph) {
		if s.batchComplete(st, batchID) {
			continue
		}
		ready := true
		for _, dep := range s.Graph.Batches[batchID].DependsOnBatches() {
			if !s.batchComplete(st, dep) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, batchID)
		}
	}
	return out
}

// MarkFailed transitions an issue to failed. A reason is required; dependents
// stay blocked until the issue is reset and completed.
func (s Scheduler) MarkFailed(ctx context.Context, id int, reason, actorID string) error {
	if _, ok := s.Graph.Issues[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if reason == "" {
		return fmt.Errorf("%w: failure reason is required", ErrInvalidTransition)
	}
	var from ledger.Status
	err := s.Store.Update(ctx, func(st *ledger.State) error {
		rec := st.EnsureIssue(id)
		from = rec.Status
		if rec.Status == ledger.StatusComplete {
			return fmt.Errorf("%w: issue %d is already complete", ErrInvalidTransition, id)
		}
		rec.Status = ledger.StatusFailed
		rec.CompletedAt = nil
		rec.FailureReason = reason
		s.touch(st)
		return nil
	})
	if err != nil {
		return err
	}
	s.journal(ctx, "issue.failed", id, from, ledger.StatusFailed, actorID, journal.Payload{"reason": reason})
	return nil
}

// Reset returns a failed issue to pending. This is the only path out of
// failed and is never taken automatically.
func (s Scheduler) Reset(ctx context.Context, id int, actorID string) error {
	if _, ok := s.Graph.Issues[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	err := s.Store.Update(ctx, func(st *ledger.State) error {
		rec := st.Issue(id)
		if rec == nil || rec.Status != ledger.StatusFailed {
			return fmt.Errorf("%w: issue %d is not failed", ErrInvalidTransition, id)
		}
		rec.Status = ledger.StatusPending
		rec.StartedAt = nil
		rec.CompletedAt = nil
		rec.FailureReason = ""
		s.touch(st)
		return nil
	})
	if err != nil {
		return err
	}
	s.journal(ctx, "issue.reset", id, ledger.StatusFailed, ledger.StatusPending, actorID, nil)
	return nil
}

// BatchSummary is one row of the progress summary.
type BatchSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Total    int    `json:"total"`
	Complete int    `json:"complete"`
	Status   string `json:"status"`
}

// Summary aggregates project progress.
type Summary struct {
	Project       string         `json:"project"`
	TotalIssues   int            `json:"total_issues"`
	Complete      int            `json:"complete"`
	InProgress    int            `json:"in_progress"`
	Failed        int            `json:"failed"`
	Blocked       int            `json:"blocked"`
	Pending       int            `json:"pending"`
	CompletionPct float64        `json:"completion_percentage"`
	Batches       []BatchSummary `json:"batches"`
}

// Progress computes the project progress summary from one ledger snapshot.
func (s Scheduler) Progress(ctx context.Context) (Summary, error) {
	st, err := s.Store.Load(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Project: s.Graph.Project, TotalIssues: len(s.Graph.Issues)}
	for _, id := range s.Graph.Order {
		switch st.IssueStatus(id) {
		case ledger.StatusComplete:
			sum.Complete++
		case ledger.StatusInProgress:
			sum.InProgress++
		case ledger.StatusFailed:
			sum.Failed++
		}
	}
	for _, b := range s.blockedIssues(st) {
		if st.IssueStatus(b.IssueID) == ledger.StatusPending {
			sum.Blocked++
		}
	}
	sum.Pending = sum.TotalIssues - sum.Complete - sum.InProgress - sum.Failed - sum.Blocked
	if sum.TotalIssues > 0 {
		sum.CompletionPct = float64(int(float64(sum.Complete)/float64(sum.TotalIssues)*1000+0.5)) / 10
	}
	for _, batchID := range sortedBatchIDs(s.Graph) {
		b := s.Graph.Batches[batchID]
		bs := BatchSummary{ID: batchID, Name: b.Name, Total: len(b.Issues)}
		for _, member := range b.Issues {
			if st.IssueStatus(member) == ledger.StatusComplete {
				bs.Complete++
			}
		}
		bs.Status = "in_progress"
		if s.batchComplete(st, batchID) {
			bs.Status = "complete"
		}
		sum.Batches = append(sum.Batches, bs)
	}
	return sum, nil
}

// touch stamps the ledger bookkeeping fields on every mutation.
func (s Scheduler) touch(st *ledger.State) {
	now := s.timestamp()
	st.UpdatedAt = &now
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	if st.Project == "" {
		st.Project = s.Graph.Project
	}
}

// journal appends a transition record. Journal failures are swallowed: the
// ledger write already committed and must not be reported as failed.
func (s Scheduler) journal(ctx context.Context, evtType string, id int, from, to ledger.Status, actorID string, payload journal.Payload) {
	if s.Journal == nil {
		return
	}
	if from == "" {
		from = ledger.StatusPending
	}
	_ = s.Journal.Append(ctx, evtType, id, string(from), string(to), actorID, payload)
}

// --- helpers ---

func sortedBatchIDs(g *graph.Graph) []string {
	ids := make([]string, 0, len(g.Batches))
	for id := range g.Batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var out []string
	for _, f := range b {
		if set[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func diffInts(after, before []int) []int {
	prev := make(map[int]bool, len(before))
	for _, id := range before {
		prev[id] = true
	}
	var out []int
	for _, id := range after {
		if !prev[id] {
			out = append(out, id)
		}
	}
	return out
}
