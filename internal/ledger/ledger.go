// Package ledger persists issue and batch progress. The ledger is the sole
// authority for current status; the dependency graph is immutable reference
// data and lives elsewhere.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// Status is an issue lifecycle state. Ready and Blocked are computed by the
// scheduler and never written to disk; the ledger stores the other four.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
)

// ErrInvalidStatus rejects unknown status strings at the boundary.
var ErrInvalidStatus = fmt.Errorf("invalid status")

// ParseStatus validates a persistable status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IssueRecord is the persisted projection of one issue's progress.
type IssueRecord struct {
	Status        Status  `json:"status"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	PRURL         string  `json:"pr_url,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// BatchRecord caches an observed batch completion. The cache may lag behind
// the issue records but must never claim completion falsely.
type BatchRecord struct {
	Status      Status `json:"status"`
	CompletedAt string `json:"completed_at"`
	IssuesCount int    `json:"issues_count"`
}

// State is one loaded snapshot of the ledger document.
type State struct {
	Project   string                  `json:"project"`
	StartedAt *string                 `json:"started_at"`
	UpdatedAt *string                 `json:"updated_at"`
	Issues    map[string]*IssueRecord `json:"issues"`
	Batches   map[string]*BatchRecord `json:"batches"`
}

// NewState returns an empty-but-valid ledger state.
func NewState(project string) *State {
	return &State{
		Project: project,
		Issues:  map[string]*IssueRecord{},
		Batches: map[string]*BatchRecord{},
	}
}

// IssueStatus returns the recorded status for an issue, pending if absent.
func (s *State) IssueStatus(id int) Status {
	if rec, ok := s.Issues[strconv.Itoa(id)]; ok {
		return rec.Status
	}
	return StatusPending
}

// Issue returns the record for an issue, nil if absent.
func (s *State) Issue(id int) *IssueRecord {
	return s.Issues[strconv.Itoa(id)]
}

// EnsureIssue returns the record for an issue, creating a pending one if
// absent.
func (s *State) EnsureIssue(id int) *IssueRecord {
	key := strconv.Itoa(id)
	rec, ok := s.Issues[key]
	if !ok {
		rec = &IssueRecord{Status: StatusPending}
		s.Issues[key] = rec
	}
	return rec
}

// BatchComplete reports whether a batch is cached as complete.
func (s *State) BatchComplete(id string) bool {
	rec, ok := s.Batches[id]
	return ok && rec.Status == StatusComplete
}

func (s *State) validate() error {
	for key, rec := range s.Issues {
		if _, err := strconv.Atoi(key); err != nil {
			return fmt.Errorf("ledger issue key %q is not an issue id", key)
		}
		if _, err := ParseStatus(string(rec.Status)); err != nil {
			return fmt.Errorf("ledger issue %s: %w", key, err)
		}
	}
	for id, rec := range s.Batches {
		if rec.Status != StatusComplete {
			return fmt.Errorf("ledger batch %s: %w: %q (only complete batches are recorded)", id, ErrInvalidStatus, rec.Status)
		}
	}
	return nil
}

// Store loads and persists ledger state. It is injected into the scheduler so
// independent scheduler instances never interfere.
type Store interface {
	// Load reads the latest committed state; a missing ledger yields an
	// empty valid state.
	Load(ctx context.Context) (*State, error)
	// Save atomically rewrites the whole document.
	Save(ctx context.Context, st *State) error
	// Update runs fn over a fresh snapshot and persists the result, holding
	// an exclusive lock across the read-check-write critical section.
	Update(ctx context.Context, fn func(*State) error) error
}

// Path returns the ledger path under a project root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".batchline", "progress.json")
}

// FileStore is the JSON file implementation of Store.
type FileStore struct {
	path string
}

// NewFileStore returns a store persisting to the given ledger path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (fs *FileStore) Load(ctx context.Context) (*State, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(""), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", fs.path, err)
	}
	if st.Issues == nil {
		st.Issues = map[string]*IssueRecord{}
	}
	if st.Batches == nil {
		st.Batches = map[string]*BatchRecord{}
	}
	if err := st.validate(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (fs *FileStore) Save(ctx context.Context, st *State) error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	tmp := fs.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Update serializes concurrent read-modify-write cycles with an advisory
// flock on a sibling lock file. Two orchestrator instances racing the same
// transition therefore observe each other's writes.
func (fs *FileStore) Update(ctx context.Context, fn func(*State) error) error {
	unlock, err := fs.lock()
	if err != nil {
		return err
	}
	defer unlock()

	st, err := fs.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return fs.Save(ctx, st)
}

func (fs *FileStore) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	f, err := os.OpenFile(fs.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	return func() { f.Close() }, nil
}
