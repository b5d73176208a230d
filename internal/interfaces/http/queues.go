package http

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// putQueue creates a queue with the given metadata. Re-putting an existing
// queue keeps its stored metadata.
func (s *Server) putQueue(w http.ResponseWriter, r *http.Request) {
	var metadata map[string]interface{}
	if err := decodeOptionalJSON(r, &metadata); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	if err := s.store.Queues.Create(r.Context(), mux.Vars(r)["queue"], project(r), metadata); err != nil {
		s.storageError(w, r, err, "Queue could not be created")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	metadata, err := s.store.Queues.GetMetadata(r.Context(), mux.Vars(r)["queue"], project(r))
	if err != nil {
		s.storageError(w, r, err, "Queue metadata could not be read")
		return
	}
	respondJSON(w, http.StatusOK, metadata)
}

func (s *Server) deleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Queues.Delete(r.Context(), mux.Vars(r)["queue"], project(r)); err != nil {
		s.storageError(w, r, err, "Queue could not be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 10
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	queues, marker, err := s.store.Queues.List(r.Context(), project(r), q.Get("marker"), limit)
	if err != nil {
		s.storageError(w, r, err, "Queues could not be listed")
		return
	}

	body := map[string]interface{}{"queues": queues}
	if marker != "" {
		body["marker"] = marker
	}
	respondJSON(w, http.StatusOK, body)
}
