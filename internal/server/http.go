package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alfredjeanlab/eventually/internal/health"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *StatusServer) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	return RecoveryMiddleware(s.logger, LoggingMiddleware(s.logger, AuthMiddleware(authToken, mux)))
}

// handleHealth handles GET /v1/health.
func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the body of GET /v1/status.
type statusResponse struct {
	Healthy    bool           `json:"healthy"`
	Cursor     string         `json:"cursor,omitempty"`
	Started    time.Time      `json:"started"`
	Activities []health.Entry `json:"activities"`
}

// handleStatus handles GET /v1/status. It answers 503 while any activity
// is unhealthy so load balancers can use it directly.
func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	activities := s.health.Snapshot(s.staleAfter)
	resp := statusResponse{
		Healthy:    true,
		Cursor:     s.health.Cursor(),
		Started:    s.health.Started(),
		Activities: activities,
	}
	for _, a := range activities {
		if !a.Healthy {
			resp.Healthy = false
		}
	}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
