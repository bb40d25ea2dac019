package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/routine-core/internal/device"
)

// handleListDevices returns all known devices.
//
// Query parameters:
//   - type: filter by device type code (e.g. DIANJI)
//   - connected: "true" or "false" to filter by liveness
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	typeFilter := r.URL.Query().Get("type")
	connFilter := r.URL.Query().Get("connected")
	if connFilter != "" && connFilter != "true" && connFilter != "false" {
		writeBadRequest(w, `connected must be "true" or "false"`)
		return
	}

	all := s.registry.ListDevices()
	devices := make([]device.Device, 0, len(all))
	for _, d := range all {
		if typeFilter != "" && d.Type != typeFilter {
			continue
		}
		if connFilter != "" && d.Connected != (connFilter == "true") {
			continue
		}
		devices = append(devices, d)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDeviceStats returns registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetStats())
}
