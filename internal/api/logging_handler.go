package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/busybox42/bounced/internal/logging"
)

// LogLevel is the body of the log level endpoint in both directions
type LogLevel struct {
	Level    string `json:"level,omitempty"`
	Current  string `json:"current_level,omitempty"`
	Previous string `json:"previous_level,omitempty"`
}

func currentLevel() string {
	return logging.LevelToString(logging.GetLogLevelManager().GetLevel())
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogLevel{Current: currentLevel()})
}

// handleSetLogLevel switches the global level without a restart
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevel
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	level, err := logging.StringToLevel(req.Level)
	if err != nil || req.Level == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid log level %q, valid levels: DEBUG, INFO, WARN, ERROR", req.Level))
		return
	}

	previous := currentLevel()
	logging.GetLogLevelManager().SetLevel(level)
	s.logger.Info("log level changed", "from", previous, "to", logging.LevelToString(level))

	writeJSON(w, http.StatusOK, LogLevel{Current: logging.LevelToString(level), Previous: previous})
}
