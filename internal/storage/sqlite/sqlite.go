// Package sqlite implements the storage interface on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/storage"
	"github.com/loomctl/loom/internal/types"
)

// Store implements storage.Storage using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// New opens (creating if necessary) a SQLite store at path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	// WAL mode so telemetry writes do not contend with artifact commits
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, run *storage.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, description, state, backward_hops, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.Description, string(run.State), run.BackwardHops,
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun updates a run's state and hop count.
func (s *Store) UpdateRun(ctx context.Context, run *storage.Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, backward_hops = ?, updated_at = ? WHERE id = ?`,
		string(run.State), run.BackwardHops, time.Now(), run.ID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// GetRun fetches one run by id. Returns (nil, nil) when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, description, state, backward_hops, created_at, updated_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*storage.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, description, state, backward_hops, created_at, updated_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*storage.Run, error) {
	var run storage.Run
	var state string
	if err := row.Scan(&run.ID, &run.TaskID, &run.Description, &state,
		&run.BackwardHops, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.State = types.Stage(state)
	return &run, nil
}

// SaveArtifact appends one versioned stage artifact.
func (s *Store) SaveArtifact(ctx context.Context, artifact *storage.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, kind, revision, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, string(artifact.Kind), artifact.Revision,
		string(artifact.Payload), artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a run's artifacts in commit order.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*storage.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, revision, payload, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at, revision`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*storage.Artifact
	for rows.Next() {
		var a storage.Artifact
		var kind, payload string
		if err := rows.Scan(&a.ID, &a.RunID, &kind, &a.Revision, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		a.Kind = storage.ArtifactKind(kind)
		a.Payload = json.RawMessage(payload)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// RecordEvent persists one telemetry event.
func (s *Store) RecordEvent(ctx context.Context, event *events.Event) error {
	var data []byte
	if event.Data != nil {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshaling event data: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (id, run_id, type, stage, severity, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, string(event.Type), string(event.Stage),
		string(event.Severity), event.Message, nullableString(data), event.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in chronological order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, stage, severity, message, data, created_at
		FROM run_events WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var e events.Event
		var eventType, stage, severity string
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &eventType, &stage, &severity,
			&e.Message, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = events.Type(eventType)
		e.Stage = types.Stage(stage)
		e.Severity = events.Severity(severity)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshaling event data: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
