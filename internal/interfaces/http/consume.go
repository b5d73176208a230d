package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/notiq/notiq/internal/persistence"
)

// consume claims up to limit messages from a queue and serves them, deleting
// them first when auto_delete is set. An empty queue yields 204; a fresh
// queue is created on first touch.
func (s *Server) consume(w http.ResponseWriter, r *http.Request) {
	queue := mux.Vars(r)["queue"]
	proj := project(r)
	ctx := r.Context()

	limit := s.cfg.Defaults.ConsumeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > s.cfg.Defaults.MaxConsumeLimit {
			respondError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be within 1..%d", s.cfg.Defaults.MaxConsumeLimit))
			return
		}
		limit = n
	}
	autoDelete := queryBool(r, "auto_delete")

	metadata, err := s.store.Queues.GetMetadata(ctx, queue, proj)
	if errors.Is(err, persistence.ErrQueueDoesNotExist) {
		if err := s.store.Queues.Create(ctx, queue, proj, nil); err != nil {
			s.storageError(w, r, err, "Queue could not be created")
			return
		}
		metadata = map[string]interface{}{}
	} else if err != nil {
		s.storageError(w, r, err, "Queue metadata could not be read")
		return
	}

	claimTTL := metadataInt(metadata, "claim_ttl", s.cfg.Defaults.ClaimTTL)
	cid, messages, err := s.store.Claims.Create(ctx, queue, proj,
		persistence.ClaimMetadata{TTL: claimTTL, Grace: 0}, limit)
	if err != nil {
		s.storageError(w, r, err, "Messages could not be claimed")
		return
	}
	if len(messages) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if autoDelete {
		for _, msg := range messages {
			if err := s.store.Messages.ConsumeDelete(ctx, queue, proj, msg.ConsumeID); err != nil {
				s.storageError(w, r, err, "Consumed messages could not be deleted")
				return
			}
		}
	}

	if err := s.store.Monitors.Update(ctx, messages, queue, proj, persistence.ConsumeMessages, false); err != nil {
		s.log.Error().Err(err).Str("queue", queue).Msg("Consume monitor update failed")
	}

	w.Header().Set("Location", r.URL.Path+"/"+cid)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"messages": messages})
}

// bulkConsumeDelete deletes claimed messages by consume-id set.
func (s *Server) bulkConsumeDelete(w http.ResponseWriter, r *http.Request) {
	queue := mux.Vars(r)["queue"]
	proj := project(r)

	raw := r.URL.Query().Get("ids")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}
	ids := strings.Split(raw, ",")

	deleted, err := s.store.Messages.BulkConsumeDelete(r.Context(), queue, proj, ids)
	if err != nil {
		s.storageError(w, r, err, "Messages could not be deleted")
		return
	}
	if len(deleted) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// consumeDelete deletes one claimed message by its consume handle.
func (s *Server) consumeDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	err := s.store.Messages.ConsumeDelete(r.Context(), vars["queue"], project(r), vars["handle"])
	if err != nil {
		s.storageError(w, r, err, "Message could not be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "1", "true", "t", "yes":
		return true
	default:
		return false
	}
}

// metadataInt reads a numeric metadata value, tolerating the float64 shape
// JSON decoding produces.
func metadataInt(metadata map[string]interface{}, key string, fallback int) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
