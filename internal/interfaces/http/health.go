package http

import (
	"net/http"
	"time"
)

// health reports liveness. Every storage backend must answer a ping before
// the request deadline or the daemon is unavailable.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			s.log.Error().Err(err).Msg("Health check storage ping failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "unavailable",
				"timestamp": time.Now().UTC(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
