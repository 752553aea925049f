// Package lifecycle records what happens to backend devices and fans it
// out to the daemon's telemetry surfaces.
//
// The backend core reports allocations, state transitions, frontend
// changes, teardowns and event channel notifications to a
// backend.Observer on its single owner goroutine. Recorder is that
// observer: it assigns each event a UUID, queues it without blocking, and
// a worker hands the resulting Record to each registered Sink in order.
//
// Sinks provided here:
//
//   - HistorySink persists records to SQLite (SQLiteHistoryRepository)
//   - MQTTSink publishes events and retained per-device state
//   - MetricsSink writes InfluxDB points
//   - StatusView keeps an in-memory table of live devices for the API
//
// Channel notifications are high rate. They reach MetricsSink and
// StatusView but are not written to history or MQTT.
//
// Usage:
//
//	view := lifecycle.NewStatusView()
//	rec := lifecycle.NewRecorder(lifecycle.RecorderOptions{Logger: log},
//	    lifecycle.NewHistorySink(lifecycle.NewSQLiteHistoryRepository(db.DB)),
//	    view,
//	)
//	rec.Start(ctx)
//	defer rec.Stop()
//
//	ctx, err := backend.Open(backend.Config{Observer: rec, ...})
package lifecycle
