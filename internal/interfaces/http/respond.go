package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/notiq/notiq/internal/persistence"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, description string) {
	respondJSON(w, status, map[string]string{
		"title":       http.StatusText(status),
		"description": description,
	})
}

// statusFor maps storage errors to HTTP status codes. Anything unrecognized
// is a storage fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, persistence.ErrQueueDoesNotExist),
		errors.Is(err, persistence.ErrTopicDoesNotExist),
		errors.Is(err, persistence.ErrMonitorDoesNotExist),
		errors.Is(err, persistence.ErrSubscriptionDoesNotExist),
		errors.Is(err, persistence.ErrMessageHandleInvalid):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrTopicAlreadyExist),
		errors.Is(err, persistence.ErrMonitorAlreadyExist),
		errors.Is(err, persistence.ErrSubscriptionAlreadyExist),
		errors.Is(err, persistence.ErrMessageClaimedExpired):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// storageError logs err and writes the mapped status with a short
// description; storage faults get the generic text, typed errors their own.
func (s *Server) storageError(w http.ResponseWriter, r *http.Request, err error, description string) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.log.Error().
			Err(err).
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Storage operation failed")
		respondError(w, status, description)
		return
	}
	respondError(w, status, err.Error())
}
