package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Devices       DeviceMetrics   `json:"devices"`
	Recorder      *RecorderMetric `json:"recorder,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics summarises the live devices.
type DeviceMetrics struct {
	Total    int            `json:"total"`
	Online   int            `json:"online"`
	ByClass  map[string]int `json:"by_class"`
	ByState  map[string]int `json:"by_state"`
	Channels uint64         `json:"channel_events"`
}

// RecorderMetric reports lifecycle recorder throughput.
type RecorderMetric struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
}

const bytesPerMB = 1024 * 1024

// handleMetrics returns process and device statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(memStats.TotalAlloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Devices: DeviceMetrics{
			ByClass: make(map[string]int),
			ByState: make(map[string]int),
		},
	}

	for _, d := range s.status.List() {
		metrics.Devices.Total++
		if d.Online {
			metrics.Devices.Online++
		}
		metrics.Devices.ByClass[d.Class]++
		metrics.Devices.ByState[d.State.String()]++
		metrics.Devices.Channels += d.Channels
	}

	if s.recorder != nil {
		metrics.Recorder = &RecorderMetric{
			Recorded: s.recorder.Recorded(),
			Dropped:  s.recorder.Dropped(),
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
