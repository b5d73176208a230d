package http

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/notiq/notiq/internal/persistence"
)

// listMonitors pages monitor records in ascending key order. Query
// parameters: marker, limit, all (cross-project), m_type.
func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
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

	mtype := q.Get("m_type")
	if mtype != "" && mtype != persistence.MonitorQueues && mtype != persistence.MonitorTopics {
		respondError(w, http.StatusBadRequest, "m_type must be queues or topics")
		return
	}

	stats, marker, err := s.store.Monitors.List(r.Context(), persistence.MonitorListOptions{
		Type:        mtype,
		Project:     project(r),
		Marker:      q.Get("marker"),
		Limit:       limit,
		AllProjects: queryBool(r, "all"),
	})
	if err != nil {
		s.storageError(w, r, err, "Monitors could not be listed")
		return
	}

	body := map[string]interface{}{"monitors": stats}
	if marker != "" {
		body["marker"] = marker
	}
	respondJSON(w, http.StatusOK, body)
}

// getMonitor returns one monitor record; queue monitors carry the derived
// live counts, with deleted_msgs clamped at zero for display.
func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mtype := vars["mtype"]
	if mtype != persistence.MonitorQueues && mtype != persistence.MonitorTopics {
		respondError(w, http.StatusNotFound, "monitor type "+mtype+" does not exist")
		return
	}

	stats, err := s.store.Monitors.Get(r.Context(), vars["name"], mtype, project(r))
	if err != nil {
		s.storageError(w, r, err, "Monitor could not be read")
		return
	}

	if v, ok := stats.Counters["deleted_msgs"].(int64); ok && v < 0 {
		stats.Counters["deleted_msgs"] = int64(0)
	}
	respondJSON(w, http.StatusOK, stats)
}
