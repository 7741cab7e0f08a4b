package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// HealthStats represents process liveness
type HealthStats struct {
	Status          string    `json:"status"`
	Uptime          int64     `json:"uptime"`           // seconds
	UptimeFormatted string    `json:"uptime_formatted"` // human readable
	StartedAt       time.Time `json:"started_at"`
	GoVersion       string    `json:"go_version"`
	NumGoroutines   int       `json:"num_goroutines"`
}

// ReadyStats lists dependency probe results
type ReadyStats struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	writeJSON(w, http.StatusOK, HealthStats{
		Status:          "ok",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.readiness == nil {
		writeJSON(w, http.StatusOK, ReadyStats{Status: "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed := s.readiness.Ready(ctx)
	if len(failed) == 0 {
		writeJSON(w, http.StatusOK, ReadyStats{Status: "ready"})
		return
	}

	stats := ReadyStats{Status: "not_ready", Checks: make(map[string]string, len(failed))}
	for name, err := range failed {
		stats.Checks[name] = err.Error()
	}
	s.logger.Warn("readiness check failed", "checks", stats.Checks)
	writeJSON(w, http.StatusServiceUnavailable, stats)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
