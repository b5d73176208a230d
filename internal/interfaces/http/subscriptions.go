package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

type subscriptionRequest struct {
	Subscriber string                 `json:"subscriber"`
	TTL        int                    `json:"ttl"`
	Options    map[string]interface{} `json:"options"`
}

// postSubscription registers a subscriber URI on a topic.
func (s *Server) postSubscription(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	proj := project(r)
	ctx := r.Context()

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if !validSubscriber(req.Subscriber) {
		respondError(w, http.StatusBadRequest,
			"subscriber must be an http://, https://, or queue:// URI")
		return
	}
	if req.TTL <= 0 {
		req.TTL = s.cfg.Defaults.SubscriptionTTL
	}

	// The topic must exist before anything can subscribe to it.
	if _, err := s.store.Topics.Get(ctx, topic, proj); err != nil {
		s.storageError(w, r, err, "Topic could not be read")
		return
	}

	id, err := s.store.Subscriptions.Create(ctx, proj, topic, req.Subscriber, req.TTL, req.Options)
	if err != nil {
		s.storageError(w, r, err, "Subscription could not be created")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"subscription_id": id})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
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

	subs, marker, err := s.store.Subscriptions.List(r.Context(), project(r), mux.Vars(r)["topic"], q.Get("marker"), limit)
	if err != nil {
		s.storageError(w, r, err, "Subscriptions could not be listed")
		return
	}

	body := map[string]interface{}{"subscriptions": subs}
	if marker != "" {
		body["marker"] = marker
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	sub, err := s.store.Subscriptions.Get(r.Context(), project(r), vars["topic"], vars["sid"])
	if err != nil {
		s.storageError(w, r, err, "Subscription could not be read")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.store.Subscriptions.Delete(r.Context(), project(r), vars["topic"], vars["sid"]); err != nil {
		s.storageError(w, r, err, "Subscription could not be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validSubscriber accepts the schemes the dispatcher can deliver to.
func validSubscriber(subscriber string) bool {
	return strings.HasPrefix(subscriber, "http://") ||
		strings.HasPrefix(subscriber, "https://") ||
		strings.HasPrefix(subscriber, "queue://")
}
