package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/notiq/notiq/internal/persistence"
)

// jsonPatchContentType is the only media type topic PATCH accepts.
const jsonPatchContentType = "application/openstack-messaging-v2.0-json-patch"

// putTopic creates a topic with the reserved metadata keys defaulted from
// configuration and a zero-initialized topics monitor. Re-putting an
// existing topic is a no-op.
func (s *Server) putTopic(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	proj := project(r)
	ctx := r.Context()

	var body map[string]interface{}
	if err := decodeOptionalJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	metadata := s.cfg.ReservedTopicMetadata()
	for k, v := range body {
		metadata[k] = v
	}

	err := s.store.Topics.Create(ctx, topic, proj, metadata)
	if errors.Is(err, persistence.ErrTopicAlreadyExist) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.storageError(w, r, err, "Topic could not be created")
		return
	}

	// A pre-existing monitor is fine; the topic may have been recreated.
	if err := s.store.Monitors.Create(ctx, topic, persistence.MonitorTopics, proj); err != nil &&
		!errors.Is(err, persistence.ErrMonitorAlreadyExist) {
		s.log.Error().Err(err).Str("topic", topic).Msg("Topic monitor create failed")
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := s.store.Topics.Get(r.Context(), mux.Vars(r)["topic"], project(r))
	if err != nil {
		s.storageError(w, r, err, "Topic could not be read")
		return
	}
	respondJSON(w, http.StatusOK, topic)
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Topics.Delete(r.Context(), mux.Vars(r)["topic"], project(r)); err != nil {
		s.storageError(w, r, err, "Topic could not be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listTopics pages topics by name. detailed=true includes metadata.
func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
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
	detailed := queryBool(r, "detailed")

	topics, marker, err := s.store.Topics.List(r.Context(), project(r), q.Get("marker"), limit)
	if err != nil {
		s.storageError(w, r, err, "Topics could not be listed")
		return
	}

	items := make([]map[string]interface{}, 0, len(topics))
	for _, t := range topics {
		item := map[string]interface{}{"name": t.Name}
		if detailed {
			item["metadata"] = t.Metadata
			item["counter"] = t.Counter
			item["created_at"] = t.CreatedAt
			item["updated_at"] = t.UpdatedAt
		}
		items = append(items, item)
	}

	body := map[string]interface{}{"topics": items}
	if marker != "" {
		body["marker"] = marker
	}
	respondJSON(w, http.StatusOK, body)
}

// patchOperation is one RFC-6902 style metadata change.
type patchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// patchTopic applies add/replace/remove operations over top-level metadata
// keys. replace and remove of an absent key conflict; reserved keys cannot
// be removed and are re-defaulted instead.
func (s *Server) patchTopic(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, jsonPatchContentType) {
		w.Header().Set("Accept-Patch", jsonPatchContentType)
		respondError(w, http.StatusUnsupportedMediaType,
			"PATCH requires Content-Type "+jsonPatchContentType)
		return
	}

	var ops []patchOperation
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON patch array")
		return
	}
	if len(ops) == 0 {
		respondError(w, http.StatusBadRequest, "patch must contain at least one operation")
		return
	}

	name := mux.Vars(r)["topic"]
	proj := project(r)
	ctx := r.Context()

	topic, err := s.store.Topics.Get(ctx, name, proj)
	if err != nil {
		s.storageError(w, r, err, "Topic could not be read")
		return
	}

	metadata := topic.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	reserved := s.cfg.ReservedTopicMetadata()

	for _, op := range ops {
		key, err := patchKey(op.Path)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		switch op.Op {
		case "add":
			metadata[key] = op.Value
		case "replace":
			if _, ok := metadata[key]; !ok {
				respondError(w, http.StatusConflict,
					fmt.Sprintf("can't replace non-existent metadata %s", key))
				return
			}
			metadata[key] = op.Value
		case "remove":
			if def, ok := reserved[key]; ok {
				metadata[key] = def
				continue
			}
			if _, ok := metadata[key]; !ok {
				respondError(w, http.StatusConflict,
					fmt.Sprintf("can't remove non-existent metadata %s", key))
				return
			}
			delete(metadata, key)
		default:
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported operation %q", op.Op))
			return
		}
	}

	if err := s.store.Topics.SetMetadata(ctx, name, proj, metadata); err != nil {
		s.storageError(w, r, err, "Topic metadata could not be updated")
		return
	}
	respondJSON(w, http.StatusOK, metadata)
}

// patchKey extracts the metadata key from a "/metadata/{key}" patch path.
func patchKey(path string) (string, error) {
	key, ok := strings.CutPrefix(path, "/metadata/")
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", fmt.Errorf("patch path %q must be /metadata/{key}", path)
	}
	return key, nil
}

// decodeOptionalJSON decodes the request body into v, accepting an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
