// Package history keeps a SQLite record of every device run.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	workflow    TEXT NOT NULL,
	device      TEXT NOT NULL,
	address     TEXT NOT NULL DEFAULT '',
	site        TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	aborted_at  TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	credential  TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_device ON runs(device, started_at);
`

// Entry is one device run.
type Entry struct {
	ID         int64
	RunID      string
	Workflow   string
	Device     string
	Address    string
	Site       string
	Outcome    string
	AbortedAt  string
	Reason     string
	Credential string
	Version    string
	Started    time.Time
	Duration   time.Duration
}

// Outcomes recorded for pipeline runs.
const (
	OutcomeCompleted = "COMPLETED"
	OutcomeDeclined  = "DECLINED"
	OutcomeAborted   = "ABORTED"
)

// FromReport converts a pipeline report.
func FromReport(workflow string, r *pipeline.Report) Entry {
	e := Entry{
		RunID:      r.RunID,
		Workflow:   workflow,
		Device:     r.Device.DisplayName(),
		Address:    r.Device.Address,
		Site:       r.Device.Site,
		AbortedAt:  r.AbortedAt,
		Reason:     r.Reason,
		Credential: r.Device.CredentialLabel,
		Version:    r.Device.Version,
		Started:    r.Started,
		Duration:   r.Duration,
	}
	switch {
	case r.Completed():
		e.Outcome = OutcomeCompleted
	case r.Declined():
		e.Outcome = OutcomeDeclined
	default:
		e.Outcome = OutcomeAborted
	}
	return e
}

// Store is the history database.
type Store struct {
	db       *sql.DB
	workflow string
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	// A second connection to ":memory:" would see a different database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ForWorkflow returns a view of s whose recorder methods label runs with
// workflow.
func (s *Store) ForWorkflow(workflow string) *Store {
	return &Store{db: s.db, workflow: workflow}
}

// Insert stores e and sets its ID.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(run_id, workflow, device, address, site, outcome, aborted_at, reason, credential, version, started_at, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.RunID, e.Workflow, e.Device, e.Address, e.Site, e.Outcome, e.AbortedAt, e.Reason,
		e.Credential, e.Version, e.Started.UnixMilli(), e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// Filter narrows ListRecent. Empty fields match everything.
type Filter struct {
	Device   string
	Workflow string
	Limit    int
}

// ListRecent returns matching entries, newest first.
func (s *Store) ListRecent(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := `SELECT id, run_id, workflow, device, address, site, outcome, aborted_at, reason, credential, version, started_at, duration_ms
		FROM runs WHERE 1=1`
	var args []any
	if f.Device != "" {
		q += " AND device = ?"
		args = append(args, f.Device)
	}
	if f.Workflow != "" {
		q += " AND workflow = ?"
		args = append(args, f.Workflow)
	}
	q += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	var list []Entry
	for rows.Next() {
		var e Entry
		var started, ms int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Workflow, &e.Device, &e.Address, &e.Site, &e.Outcome,
			&e.AbortedAt, &e.Reason, &e.Credential, &e.Version, &started, &ms); err != nil {
			return nil, err
		}
		e.Started = time.UnixMilli(started)
		e.Duration = time.Duration(ms) * time.Millisecond
		list = append(list, e)
	}
	return list, rows.Err()
}

// Prune keeps the newest keep entries.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}

// RecordPhase implements pipeline.Recorder. Only whole runs are stored.
func (s *Store) RecordPhase(context.Context, string, pipeline.Device, pipeline.PhaseResult) {}

// RecordRun implements pipeline.Recorder.
func (s *Store) RecordRun(ctx context.Context, r *pipeline.Report) {
	e := FromReport(s.workflow, r)
	if err := s.Insert(ctx, &e); err != nil {
		util.WithDevice(e.Device).Warnf("%v", err)
	}
}
