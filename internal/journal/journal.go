// Package journal keeps an append-only record of scheduler transitions in a
// SQLite database next to the ledger. The journal is advisory: a failed
// append never rolls back a committed ledger write.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const dbName = "journal.db"

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	type TEXT NOT NULL,
	issue_id INTEGER NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_issue ON transitions(issue_id);
`

// Path returns the journal path under a project root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".batchline", dbName)
}

// Open opens (and if necessary creates) the journal database.
func Open(root string) (*sql.DB, error) {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return db, nil
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry is one recorded transition.
type Entry struct {
	ID      string `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	IssueID int    `json:"issue_id"`
	From    string `json:"from_status"`
	To      string `json:"to_status"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// Append records a transition.
func (w Writer) Append(ctx context.Context, evtType string, issueID int, from, to, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal journal payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx,
		`INSERT INTO transitions(id,ts,type,issue_id,from_status,to_status,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		uuid.New().String(), now().UTC().Format(time.RFC3339), evtType, issueID, from, to, actorID, string(data))
	return err
}

// Tail returns the n most recent entries, newest first.
func Tail(ctx context.Context, db *sql.DB, n int) ([]Entry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id,ts,type,issue_id,from_status,to_status,actor_id,payload_json FROM transitions ORDER BY ts DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.IssueID, &e.From, &e.To, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
