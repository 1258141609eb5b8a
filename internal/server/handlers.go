package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	Status         string  `json:"status"`
	GatewayMode    string  `json:"gatewayMode"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryPercent  float64 `json:"memoryPercent"`
	MemoryUsedMB   float64 `json:"memoryUsedMb"`
	Subscribers    int     `json:"subscribers"`
	CachedSessions int     `json:"cachedSessions"`
	Timestamp      string  `json:"timestamp"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "fleet",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleSystemStatus reports process, host and fleet state
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	c := s.container
	response := SystemStatusResponse{
		Status:         "healthy",
		GatewayMode:    c.Config.Gateway.Mode,
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		Subscribers:    c.Publisher.SubscriberCount(),
		CachedSessions: c.SessionCache.Len(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if cpuPercent, err := cpu.PercentWithContext(r.Context(), 100*time.Millisecond, false); err != nil {
		s.log.Warn().Err(err).Msg("Failed to read CPU usage")
	} else if len(cpuPercent) > 0 {
		response.CPUPercent = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemoryWithContext(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to read memory usage")
	} else {
		response.MemoryPercent = memStat.UsedPercent
		response.MemoryUsedMB = float64(memStat.Used) / 1024 / 1024
	}

	s.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
