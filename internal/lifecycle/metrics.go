package lifecycle

import (
	"context"
	"time"

	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/infrastructure/influxdb"
)

// Measurement names written by MetricsSink.
const (
	MeasurementTransition = "device_transition"
	MeasurementLifecycle  = "device_lifecycle"
	MeasurementChannel    = "channel_event"
)

// PointWriter is the subset of *influxdb.Client the metrics sink needs.
type PointWriter interface {
	WriteDevicePoint(measurement string, dev influxdb.DeviceTags, fields map[string]any, ts time.Time)
}

// MetricsSink turns lifecycle records into time-series points.
//
// Writes are batched by the client, so Handle never fails.
type MetricsSink struct {
	w PointWriter
}

// NewMetricsSink creates a sink writing to w.
func NewMetricsSink(w PointWriter) *MetricsSink {
	return &MetricsSink{w: w}
}

// Name implements Sink.
func (s *MetricsSink) Name() string { return "metrics" }

// Handle implements Sink.
func (s *MetricsSink) Handle(_ context.Context, rec Record) error {
	tags := influxdb.DeviceTags{Class: rec.Class, DomID: rec.DomID, DevID: rec.DevID}

	switch rec.Kind {
	case backend.EventTransition:
		s.w.WriteDevicePoint(MeasurementTransition, tags, map[string]any{
			"from":     rec.From.String(),
			"to":       rec.To.String(),
			"frontend": rec.Frontend.String(),
			"online":   rec.Online,
		}, rec.Time)
	case backend.EventChannel:
		s.w.WriteDevicePoint(MeasurementChannel, tags, map[string]any{"count": 1}, rec.Time)
	default:
		s.w.WriteDevicePoint(MeasurementLifecycle, tags, map[string]any{
			"kind":     string(rec.Kind),
			"state":    rec.To.String(),
			"frontend": rec.Frontend.String(),
		}, rec.Time)
	}
	return nil
}
