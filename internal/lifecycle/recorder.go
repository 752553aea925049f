package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nerrad567/xenbackend/internal/backend"
)

// DefaultQueueSize is the number of events buffered between the backend
// owner goroutine and the recorder worker.
const DefaultQueueSize = 1024

// Record is one lifecycle event with its unique id. It is what sinks
// receive and what the websocket hub and MQTT publisher serialise.
type Record struct {
	ID string `json:"id"`
	backend.Event
}

// Key returns the device the record is about.
func (r Record) Key() DeviceKey {
	return KeyOf(r.Event)
}

// Sink consumes records on the recorder's worker goroutine.
//
// Handle may block on I/O; it only delays later records. An error is
// logged and the record is not retried.
type Sink interface {
	Name() string
	Handle(ctx context.Context, rec Record) error
}

// Recorder is the backend.Observer that decouples the single-threaded
// backend core from telemetry I/O.
//
// Observe never blocks: events are queued and a single worker hands them
// to every sink in registration order. When the queue is full the event
// is dropped and counted.
//
// Thread Safety:
//   - Observe is safe to call from any goroutine.
//   - Sinks are called from one goroutine only, in event order.
type Recorder struct {
	sinks  []Sink
	logger backend.Logger
	newID  func() string

	mu      sync.RWMutex
	queue   chan Record
	started bool
	stopped bool
	done    chan struct{}

	dropped  atomic.Uint64
	recorded atomic.Uint64
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// QueueSize defaults to DefaultQueueSize.
	QueueSize int

	// Logger reports sink failures and drops. Optional.
	Logger backend.Logger

	// NewID generates record ids. Defaults to random UUIDs.
	NewID func() string
}

// NewRecorder creates a recorder fanning out to sinks.
//
// Parameters:
//   - opts: Queue size, logger and id generator
//   - sinks: Destinations, called in this order for every record
//
// Returns:
//   - *Recorder: Recorder ready to Start
func NewRecorder(opts RecorderOptions, sinks ...Sink) *Recorder {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	r := &Recorder{
		sinks:  sinks,
		logger: opts.Logger,
		newID:  opts.NewID,
		queue:  make(chan Record, size),
		done:   make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = nopLogger{}
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.NewString() }
	}
	return r
}

// Observe implements backend.Observer.
func (r *Recorder) Observe(ev backend.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		r.dropped.Add(1)
		return
	}

	select {
	case r.queue <- Record{ID: r.newID(), Event: ev}:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("lifecycle queue full, dropping events", "capacity", cap(r.queue))
		}
	}
}

// Start launches the worker. Records queued before Start are delivered
// once it runs.
//
// Parameters:
//   - ctx: Passed to every Sink.Handle call
//
// Returns:
//   - error: ErrRecorderStarted if called twice
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRecorderStarted
	}
	r.started = true

	go r.run(ctx)
	return nil
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	for rec := range r.queue {
		for _, s := range r.sinks {
			if err := s.Handle(ctx, rec); err != nil {
				r.logger.Warn("lifecycle sink failed",
					"sink", s.Name(),
					"device", rec.Key().String(),
					"kind", rec.Kind,
					"error", err,
				)
			}
		}
		r.recorded.Add(1)
	}
}

// Stop refuses further events, delivers everything already queued and
// waits for the worker to finish. Safe to call more than once and
// without Start.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		if r.started {
			<-r.done
		}
		return
	}
	r.stopped = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if started {
		<-r.done
	}
}

// Dropped returns the number of events discarded because the queue was
// full or the recorder was stopped.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Recorded returns the number of records handed to every sink.
func (r *Recorder) Recorded() uint64 {
	return r.recorded.Load()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
