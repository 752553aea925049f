package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/xenbackend/internal/backend"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// historyTimeFormat is fixed width so created_at sorts as text.
	historyTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
//
// Rows live in the lifecycle_history table created by the embedded
// migrations.
type SQLiteHistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteHistoryRepository creates a new SQLite history repository.
//
// Parameters:
//   - db: Open SQLite connection with migrations applied
//
// Returns:
//   - *SQLiteHistoryRepository: Repository instance ready for use
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db, now: time.Now}
}

// RecordEvent inserts one lifecycle record.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - rec: Record to persist; a zero event time is replaced by now
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteHistoryRepository) RecordEvent(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if rec.Class == "" {
		return fmt.Errorf("%w: empty class", ErrInvalidDeviceKey)
	}

	ts := rec.Time
	if ts.IsZero() {
		ts = r.now()
	}

	online := 0
	if rec.Online {
		online = 1
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lifecycle_history
		 (event_id, device_key, class, domid, devid, kind, from_state, to_state, frontend_state, online, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Key().String(),
		rec.Class,
		rec.DomID,
		rec.DevID,
		string(rec.Kind),
		rec.From.String(),
		rec.To.String(),
		rec.Frontend.String(),
		online,
		ts.UTC().Format(historyTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting lifecycle history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for a device, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - key: Device to query
//   - since: Only entries created strictly after this time; zero for all
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []HistoryEntry: Entries ordered by created_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, key DeviceKey, since time.Time, limit int) ([]HistoryEntry, error) {
	if key.Class == "" {
		return nil, fmt.Errorf("%w: empty class", ErrInvalidDeviceKey)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	// The empty string sorts before every timestamp.
	after := ""
	if !since.IsZero() {
		after = since.UTC().Format(historyTimeFormat)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_id, class, domid, devid, kind, from_state, to_state, frontend_state, online, created_at
		 FROM lifecycle_history
		 WHERE device_key = ? AND created_at > ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		key.String(),
		after,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e                  HistoryEntry
			kind               string
			from, to, frontend string
			online             int
			createdAt          string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.Device.Class, &e.Device.DomID, &e.Device.DevID,
			&kind, &from, &to, &frontend, &online, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning lifecycle history: %w", err)
		}

		e.Kind = backend.EventKind(kind)
		e.Online = online != 0
		for _, f := range []struct {
			dst *backend.State
			src string
		}{{&e.From, from}, {&e.To, to}, {&e.Frontend, frontend}} {
			if err := f.dst.UnmarshalText([]byte(f.src)); err != nil {
				return nil, fmt.Errorf("decoding state %q: %w", f.src, err)
			}
		}

		e.CreatedAt, err = parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lifecycle history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes entries older than the given retention.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Entries created before now-olderThan are deleted
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(historyTimeFormat)
	result, err := r.db.ExecContext(ctx, "DELETE FROM lifecycle_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting lifecycle history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// parseHistoryTimestamp parses a created_at value. Rows written by
// RecordEvent carry nanoseconds; the column default carries milliseconds.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts.UTC(), nil
}
