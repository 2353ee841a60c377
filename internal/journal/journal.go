// Package journal persists fleet lifecycle events to a local SQLite file so
// an operator can reconstruct what happened to a node after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Event names recorded by the fleet.
const (
	EventOrderPlaced   = "order_placed"
	EventDealOpened    = "deal_opened"
	EventTaskStarted   = "task_started"
	EventTaskRunning   = "task_running"
	EventTaskFailed    = "task_failed"
	EventTaskFinished  = "task_finished"
	EventDealClosed    = "deal_closed"
	EventNodeReset     = "node_reset"
	EventNodeDestroyed = "node_destroyed"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id       TEXT PRIMARY KEY,
	at       TIMESTAMP NOT NULL,
	node_tag TEXT NOT NULL,
	event    TEXT NOT NULL,
	detail   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_node_tag ON events (node_tag);
`

// Entry is one recorded event.
type Entry struct {
	ID      string
	At      time.Time
	NodeTag string
	Event   string
	Detail  string
}

// Journal is an append-only event log backed by SQLite. A nil Journal is
// valid and drops every record, so callers never have to branch on whether
// journaling is wired up.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	// WAL keeps the journal readable while the fleet is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one event.
func (j *Journal) Record(ctx context.Context, nodeTag, event, detail string) error {
	if j == nil {
		return nil
	}
	query := `INSERT INTO events (id, at, node_tag, event, detail) VALUES (?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query, uuid.NewString(), time.Now().UTC(), nodeTag, event, detail)
	if err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", event, nodeTag, err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	query := `SELECT id, at, node_tag, event, detail FROM events ORDER BY at DESC, rowid DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// NodeEvents returns the newest entries for one node, newest first.
func (j *Journal) NodeEvents(ctx context.Context, nodeTag string, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	query := `SELECT id, at, node_tag, event, detail FROM events WHERE node_tag = ? ORDER BY at DESC, rowid DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, nodeTag, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal for %s: %w", nodeTag, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.At, &e.NodeTag, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping reports whether the database is still reachable, for health checks.
func (j *Journal) Ping(ctx context.Context) error {
	if j == nil {
		return nil
	}
	return j.db.PingContext(ctx)
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
