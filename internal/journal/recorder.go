package journal

import (
	"context"
	"errors"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"taskfleet/internal/core"
	"taskfleet/pkg/retry"
)

// recordRetry smooths over short write contention on the SQLite file. The
// budget stays well under a node loop tick.
var recordRetry = retry.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 25 * time.Millisecond,
	MaxBackoff:     250 * time.Millisecond,
}

// Recorder adapts the journal to the fire-and-forget recording interface the
// fleet uses. A failed write must never stall a node loop, so it is retried
// briefly and then logged and dropped.
type Recorder struct {
	journal *Journal
	logger  core.ILogger
}

var _ core.IJournal = (*Recorder)(nil)

// NewRecorder wraps a journal. The journal may be nil, which makes the
// recorder inert.
func NewRecorder(j *Journal, logger core.ILogger) *Recorder {
	return &Recorder{
		journal: j,
		logger:  logger.WithField("component", "journal"),
	}
}

// Record appends one event, logging instead of failing.
func (r *Recorder) Record(nodeTag, event, detail string) {
	err := retry.Do(context.Background(), recordRetry, transientSQLite, func() error {
		return r.journal.Record(context.Background(), nodeTag, event, detail)
	})
	if err != nil {
		r.logger.Warn("Failed to record journal event",
			"node", nodeTag,
			"event", event,
			"error", err.Error())
	}
}

// transientSQLite reports whether the write hit lock contention rather than
// a real failure. Concurrent node loops share one database file.
func transientSQLite(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// Close closes the underlying journal.
func (r *Recorder) Close() error {
	return r.journal.Close()
}
