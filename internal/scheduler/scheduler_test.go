package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"batchline/internal/graph"
	"batchline/internal/ledger"
)

const testGraph = `
project: demo
batches:
  batch-x:
    name: Foundation
    parallel_limit: 2
    issues: [1, 2]
  batch-y:
    name: Features
    parallel_limit: 3
    issues: [3, 4]
    dependencies:
      all_from_batch: [batch-x]
issues:
  - id: 1
    files: [src/models.ts]
  - id: 2
    files: [src/config.ts]
  - id: 3
    depends_on: [1]
    files: [src/api.ts]
  - id: 4
    depends_on: [2, 3]
    soft_depends_on: [1]
    files: [src/ui.ts]
`

func newTestScheduler(t *testing.T, src string) Scheduler {
	t.Helper()
	g, err := graph.FromYAML([]byte(src))
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	s := New(g, ledger.NewFileStore(ledger.Path(t.TempDir())))
	s.Now = func() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }
	return s
}

func mustStart(t *testing.T, s Scheduler, id int) {
	t.Helper()
	if err := s.MarkInProgress(context.Background(), id, "test"); err != nil {
		t.Fatalf("MarkInProgress(%d): %v", id, err)
	}
}

func mustComplete(t *testing.T, s Scheduler, id int) CompleteResult {
	t.Helper()
	res, err := s.MarkComplete(context.Background(), id, "", "test")
	if err != nil {
		t.Fatalf("MarkComplete(%d): %v", id, err)
	}
	return res
}

func assertBlocked(t *testing.T, s Scheduler, id int, wantReason string) {
	t.Helper()
	ok, reason, err := s.CanStart(context.Background(), id)
	if err != nil {
		t.Fatalf("CanStart(%d): %v", id, err)
	}
	if ok {
		t.Fatalf("issue %d should be blocked", id)
	}
	if !strings.Contains(reason, wantReason) {
		t.Fatalf("reason = %q, want substring %q", reason, wantReason)
	}
}

func assertCanStart(t *testing.T, s Scheduler, id int) {
	t.Helper()
	ok, reason, err := s.CanStart(context.Background(), id)
	if err != nil {
		t.Fatalf("CanStart(%d): %v", id, err)
	}
	if !ok {
		t.Fatalf("issue %d blocked: %s", id, reason)
	}
}

func TestCanStartUnknownIssue(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	_, _, err := s.CanStart(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHardDependencyGates(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	assertCanStart(t, s, 1)
	assertBlocked(t, s, 3, "blocked by batch batch-x")

	mustComplete(t, s, 1)
	mustComplete(t, s, 2)
	assertCanStart(t, s, 3)
	assertBlocked(t, s, 4, "blocked by issue #3")
}

func TestBatchDependencyGatesEvenWhenIssueDepsComplete(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	mustComplete(t, s, 1)
	// issue 3's only hard dep is 1, but batch-x still has 2 pending
	assertBlocked(t, s, 3, "blocked by batch batch-x")
}

func TestSoftDependencyNeverBlocks(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	mustComplete(t, s, 2)
	mustComplete(t, s, 3) // completes out of band; 1 still pending
	soft, err := s.IncompleteSoftDeps(context.Background(), 4)
	if err != nil {
		t.Fatalf("IncompleteSoftDeps: %v", err)
	}
	if len(soft) != 1 || soft[0] != 1 {
		t.Fatalf("soft = %v, want [1]", soft)
	}
	assertBlocked(t, s, 4, "blocked by batch batch-x")
	mustComplete(t, s, 1)
	assertCanStart(t, s, 4)
}

func TestParallelLimitGates(t *testing.T) {
	s := newTestScheduler(t, `
project: demo
batches:
  batch-1:
    parallel_limit: 2
    issues: [1, 2, 3]
issues:
  - id: 1
  - id: 2
  - id: 3
`)
	mustStart(t, s, 1)
	mustStart(t, s, 2)
	assertBlocked(t, s, 3, "parallel limit reached (2)")

	mustComplete(t, s, 1)
	assertCanStart(t, s, 3)
}

func TestParallelLimitZeroBlocksEverything(t *testing.T) {
	s := newTestScheduler(t, `
project: demo
batches:
  batch-1:
    parallel_limit: 0
    issues: [1]
issues:
  - id: 1
`)
	assertBlocked(t, s, 1, "parallel limit reached (0)")
}

func TestStatusGates(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	mustStart(t, s, 1)
	assertBlocked(t, s, 1, "already in progress")
	mustComplete(t, s, 1)
	assertBlocked(t, s, 1, "already complete")

	if err := s.MarkFailed(context.Background(), 2, "oom", "test"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	assertBlocked(t, s, 2, "reset it to retry")
}

func TestExplicitConflictBlocksBothWays(t *testing.T) {
	src := `
project: demo
batches:
  batch-1:
    parallel_limit: 5
    issues: [10, 11]
issues:
  - id: 10
    conflicts_with: [11]
  - id: 11
    conflicts_with: [10]
`
	s := newTestScheduler(t, src)
	mustStart(t, s, 10)
	assertBlocked(t, s, 11, "conflicts with in-progress issues: #10")

	s2 := newTestScheduler(t, src)
	mustStart(t, s2, 11)
	assertBlocked(t, s2, 10, "conflicts with in-progress issues: #11")
}

func TestFileOverlapConflict(t *testing.T) {
	s := newTestScheduler(t, `
project: demo
batches:
  batch-1:
    parallel_limit: 5
    issues: [10, 11, 12]
issues:
  - id: 10
    files: [src/a.ts, src/b.ts]
  - id: 11
    files: [src/a.ts]
  - id: 12
    files: [src/c.ts]
`)
	mustStart(t, s, 10)
	assertBlocked(t, s, 11, "conflicts with in-progress issues: #10")
	assertCanStart(t, s, 12)

	conflicts, err := s.Conflicts(context.Background(), 11)
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	c := conflicts[0]
	if c.IssueID != 10 || c.Kind != "file_conflict" {
		t.Fatalf("conflict = %+v", c)
	}
	if len(c.Files) != 1 || c.Files[0] != "src/a.ts" {
		t.Fatalf("files = %v", c.Files)
	}
}

func TestConflictClearsWhenOtherCompletes(t *testing.T) {
	s := newTestScheduler(t, `
project: demo
batches:
  batch-1:
    parallel_limit: 5
    issues: [10, 11]
issues:
  - id: 10
    files: [src/a.ts]
  - id: 11
    files: [src/a.ts]
`)
	mustStart(t, s, 10)
	assertBlocked(t, s, 11, "conflicts")
	mustComplete(t, s, 10)
	assertCanStart(t, s, 11)
}

func TestMarkCompleteIsIdempotent(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	first := mustComplete(t, s, 1)
	if first.AlreadyComplete {
		t.Fatal("first completion reported as already complete")
	}
	second := mustComplete(t, s, 1)
	if !second.AlreadyComplete {
		t.Fatal("second completion not reported as no-op")
	}
	if len(second.NewlyReady) != 0 || second.CompletedBatch != "" {
		t.Fatalf("no-op completion cascaded: %+v", second)
	}
}

func TestCompleteCascadesBatchAndReadiness(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	ctx := context.Background()

	mustComplete(t, s, 1)
	res := mustComplete(t, s, 2)
	if res.CompletedBatch != "batch-x" {
		t.Fatalf("completed batch = %q", res.CompletedBatch)
	}
	found := false
	for _, b := range res.ReadyBatches {
		if b == "batch-y" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ready batches = %v, want batch-y", res.ReadyBatches)
	}
	if len(res.NewlyReady) != 1 || res.NewlyReady[0] != 3 {
		t.Fatalf("newly ready = %v, want [3]", res.NewlyReady)
	}

	st, err := s.Store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !st.BatchComplete("batch-x") {
		t.Fatal("batch-x not recorded complete")
	}
	if st.Batches["batch-x"].IssuesCount != 2 {
		t.Fatalf("batch record = %+v", st.Batches["batch-x"])
	}
}

func TestCompleteNeverRegresses(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	mustComplete(t, s, 1)
	err := s.MarkFailed(context.Background(), 1, "late failure report", "test")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkFailed on complete = %v, want ErrInvalidTransition", err)
	}
	st, err := s.Store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.IssueStatus(1) != ledger.StatusComplete {
		t.Fatalf("status regressed to %q", st.IssueStatus(1))
	}
}

func TestMarkFailedRequiresReason(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	err := s.MarkFailed(context.Background(), 1, "", "test")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestFailureBlocksDependentsUntilResetAndComplete(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	ctx := context.Background()

	mustComplete(t, s, 2)
	if err := s.MarkFailed(ctx, 1, "flaky build", "test"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	assertBlocked(t, s, 3, "blocked by batch batch-x")

	if err := s.Reset(ctx, 1, "test"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	st, err := s.Store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := st.Issue(1)
	if rec.Status != ledger.StatusPending || rec.FailureReason != "" || rec.StartedAt != nil {
		t.Fatalf("reset record = %+v", rec)
	}

	mustComplete(t, s, 1)
	assertCanStart(t, s, 3)
}

func TestResetRequiresFailed(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	if err := s.Reset(context.Background(), 1, "test"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Reset pending = %v, want ErrInvalidTransition", err)
	}
	mustComplete(t, s, 1)
	if err := s.Reset(context.Background(), 1, "test"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Reset complete = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkInProgressRejectsBlockedIssue(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	err := s.MarkInProgress(context.Background(), 3, "test")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestReadyIssues(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	ctx := context.Background()

	ready, err := s.ReadyIssues(ctx, "")
	if err != nil {
		t.Fatalf("ReadyIssues: %v", err)
	}
	if len(ready) != 2 || ready[0] != 1 || ready[1] != 2 {
		t.Fatalf("ready = %v, want [1 2]", ready)
	}

	mustStart(t, s, 1)
	ready, err = s.ReadyIssues(ctx, "")
	if err != nil {
		t.Fatalf("ReadyIssues: %v", err)
	}
	if len(ready) != 1 || ready[0] != 2 {
		t.Fatalf("ready after start = %v, want [2]", ready)
	}

	if _, err := s.ReadyIssues(ctx, "no-such-batch"); err == nil {
		t.Fatal("expected error for unknown batch")
	}

	byBatch, err := s.ReadyIssues(ctx, "batch-y")
	if err != nil {
		t.Fatalf("ReadyIssues(batch-y): %v", err)
	}
	if len(byBatch) != 0 {
		t.Fatalf("batch-y ready = %v, want none", byBatch)
	}
}

func TestBlockedIssues(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	blocked, err := s.BlockedIssues(context.Background())
	if err != nil {
		t.Fatalf("BlockedIssues: %v", err)
	}
	if len(blocked) != 2 {
		t.Fatalf("blocked = %+v", blocked)
	}
	if blocked[0].IssueID != 3 || blocked[0].Batch != "batch-y" {
		t.Fatalf("blocked[0] = %+v", blocked[0])
	}
	if !strings.Contains(blocked[1].Reason, "blocked by batch batch-x") {
		t.Fatalf("blocked[1] = %+v", blocked[1])
	}
}

func TestBlockedIssuesIncludesFailed(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	if err := s.MarkFailed(context.Background(), 1, "oom", "test"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	blocked, err := s.BlockedIssues(context.Background())
	if err != nil {
		t.Fatalf("BlockedIssues: %v", err)
	}
	found := false
	for _, b := range blocked {
		if b.IssueID == 1 && strings.Contains(b.Reason, "failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("failed issue missing from blocked list: %+v", blocked)
	}
}

func TestProgressSummary(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	mustComplete(t, s, 1)
	mustStart(t, s, 2)

	sum, err := s.Progress(context.Background())
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if sum.Project != "demo" || sum.TotalIssues != 4 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Complete != 1 || sum.InProgress != 1 || sum.Blocked != 2 || sum.Pending != 0 {
		t.Fatalf("counts = complete %d inprog %d blocked %d pending %d",
			sum.Complete, sum.InProgress, sum.Blocked, sum.Pending)
	}
	if sum.CompletionPct != 25.0 {
		t.Fatalf("pct = %v", sum.CompletionPct)
	}
	if len(sum.Batches) != 2 || sum.Batches[0].ID != "batch-x" {
		t.Fatalf("batches = %+v", sum.Batches)
	}
	if sum.Batches[0].Complete != 1 || sum.Batches[0].Status != "in_progress" {
		t.Fatalf("batch-x summary = %+v", sum.Batches[0])
	}
}

func assertReady(t *testing.T, s Scheduler, want []int) {
	t.Helper()
	ready, err := s.ReadyIssues(context.Background(), "")
	if err != nil {
		t.Fatalf("ReadyIssues: %v", err)
	}
	if len(ready) != len(want) {
		t.Fatalf("ready = %v, want %v", ready, want)
	}
	for i := range want {
		if ready[i] != want[i] {
			t.Fatalf("ready = %v, want %v", ready, want)
		}
	}
}

// Full cascade over both batches: completing the foundation batch unlocks
// the dependent batch one issue at a time until nothing is left to start.
func TestCascadeRunsGraphToCompletion(t *testing.T) {
	s := newTestScheduler(t, testGraph)
	ctx := context.Background()

	assertReady(t, s, []int{1, 2})
	mustComplete(t, s, 1)
	mustComplete(t, s, 2)

	assertReady(t, s, []int{3})
	mustComplete(t, s, 3)

	assertReady(t, s, []int{4})
	res := mustComplete(t, s, 4)
	if res.CompletedBatch != "batch-y" {
		t.Fatalf("completed batch = %q, want batch-y", res.CompletedBatch)
	}

	assertReady(t, s, nil)
	sum, err := s.Progress(ctx)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if sum.Complete != 4 || sum.CompletionPct != 100.0 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, b := range sum.Batches {
		if b.Status != "complete" {
			t.Fatalf("batch %s status = %q", b.ID, b.Status)
		}
	}
}

// Two schedulers over one ledger path see each other's transitions; the
// batch cache recorded by one must hold for the other.
func TestSharedLedgerAcrossSchedulers(t *testing.T) {
	g, err := graph.FromYAML([]byte(testGraph))
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	path := ledger.Path(t.TempDir())
	a := New(g, ledger.NewFileStore(path))
	b := New(g, ledger.NewFileStore(path))

	mustComplete(t, a, 1)
	mustComplete(t, a, 2)
	assertCanStart(t, b, 3)
	mustStart(t, b, 3)
	assertBlocked(t, a, 3, "already in progress")
}
