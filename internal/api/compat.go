package api

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
)

// The device firmware polls this path for updates; serving the current
// version string keeps it from retrying.
const firmwareVersionBody = "1+0654918011102+http://www.besmart-home.com/fwUpgrade/PR06549/0654918011102.bin"

func (s *Server) handleFirmwareVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(firmwareVersionBody))
}

// handleWebTemperature serves the outdoor temperature the device shows on
// its display: a bare rounded integer, or "E_1" when no value is
// available. That error string is what the real cloud emits.
func (s *Server) handleWebTemperature(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if deviceID := r.URL.Query().Get("deviceId"); deviceID != "" {
		s.log.Debug("web temperature request", "deviceId", deviceID)
	}
	if s.weather == nil {
		_, _ = w.Write([]byte("E_1"))
		return
	}
	temp, err := s.weather.AirTemperature(r.Context())
	if err != nil {
		s.log.Warn("web temperature fetch failed", "error", err)
		_, _ = w.Write([]byte("E_1"))
		return
	}
	_, _ = w.Write([]byte(strconv.Itoa(int(math.Round(temp)))))
}

// handleBoilerRecords accepts the telemetry document the device uploads to
// the vendor's analytics endpoint. The payload is logged and discarded.
func (s *Server) handleBoilerRecords(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		s.log.Warn("boiler records with non-JSON body", "bytes", len(body))
	} else {
		s.log.Info("boiler records received", "records", doc)
	}
	w.WriteHeader(http.StatusNoContent)
}
