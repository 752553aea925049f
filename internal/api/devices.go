package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/xenbackend/internal/lifecycle"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// handleListDevices returns every live device, optionally filtered by
// ?class= and ?domid=.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("class")

	domid := -1
	if raw := r.URL.Query().Get("domid"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid domid")
			return
		}
		domid = n
	}

	all := s.status.List()
	devices := make([]lifecycle.DeviceStatus, 0, len(all))
	for _, d := range all {
		if class != "" && d.Class != class {
			continue
		}
		if domid >= 0 && d.DomID != domid {
			continue
		}
		devices = append(devices, d)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one live device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	key, ok := deviceKeyParam(w, r)
	if !ok {
		return
	}

	st, found := s.status.Get(key)
	if !found {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleGetDeviceHistory returns stored lifecycle history for a device.
// Freed devices keep their history, so the device need not be live.
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := deviceKeyParam(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	if s.history == nil {
		writeUnavailable(w, "lifecycle history unavailable")
		return
	}

	entries, err := s.history.GetHistory(r.Context(), key, since, limit)
	if err != nil {
		s.logger.Error("loading device history", "device", key.String(), "error", err)
		writeInternalError(w, "failed to load device history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":  key,
		"history": entries,
		"count":   len(entries),
	})
}

// deviceKeyParam parses the {class}/{domid}/{devid} route parameters,
// writing a 400 on failure.
func deviceKeyParam(w http.ResponseWriter, r *http.Request) (lifecycle.DeviceKey, bool) {
	key, err := lifecycle.NewDeviceKey(
		chi.URLParam(r, "class"),
		chi.URLParam(r, "domid"),
		chi.URLParam(r, "devid"),
	)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidDeviceKey) {
			writeBadRequest(w, "invalid device address")
			return lifecycle.DeviceKey{}, false
		}
		writeInternalError(w, "failed to parse device address")
		return lifecycle.DeviceKey{}, false
	}
	return key, true
}

func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}
	return limit, nil
}

// parseSinceParam parses the since parameter as RFC3339/RFC3339Nano.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
