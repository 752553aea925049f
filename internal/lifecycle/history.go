package lifecycle

import (
	"context"
	"time"

	"github.com/nerrad567/xenbackend/internal/backend"
)

// HistoryEntry is one persisted lifecycle record.
type HistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// EventID is the recorder's id for the event, shared with MQTT and
	// websocket copies of it.
	EventID string `json:"event_id"`

	Device   DeviceKey         `json:"device"`
	Kind     backend.EventKind `json:"kind"`
	From     backend.State     `json:"from"`
	To       backend.State     `json:"to"`
	Frontend backend.State     `json:"frontend"`
	Online   bool              `json:"online"`

	// CreatedAt is when the backend observed the event (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository stores and retrieves device lifecycle history.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// RecordEvent persists one record.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - rec: Record to persist; its ID must be unique
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	RecordEvent(ctx context.Context, rec Record) error

	// GetHistory returns recent history for one device.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - key: Device to query
	//   - since: Only entries created strictly after this time; zero for all
	//   - limit: Maximum entries to return (implementation may clamp bounds)
	//
	// Returns:
	//   - []HistoryEntry: Ordered newest-first entries (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	GetHistory(ctx context.Context, key DeviceKey, since time.Time, limit int) ([]HistoryEntry, error)
}

// HistorySink feeds a HistoryRepository from the recorder.
//
// Channel notifications are not persisted; they arrive at guest I/O rate
// and are counted by the metrics sink instead.
type HistorySink struct {
	repo HistoryRepository
}

// NewHistorySink wraps repo as a recorder sink.
func NewHistorySink(repo HistoryRepository) *HistorySink {
	return &HistorySink{repo: repo}
}

// Name implements Sink.
func (s *HistorySink) Name() string { return "history" }

// Handle implements Sink.
func (s *HistorySink) Handle(ctx context.Context, rec Record) error {
	if rec.Kind == backend.EventChannel {
		return nil
	}
	return s.repo.RecordEvent(ctx, rec)
}
