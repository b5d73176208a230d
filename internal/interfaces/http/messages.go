package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/notiq/notiq/internal/notification"
	"github.com/notiq/notiq/internal/persistence"
)

type postMessagesRequest struct {
	Messages []persistence.Message `json:"messages"`
}

// decodeMessages parses and validates an inbound message batch against the
// post-size cap from metadata.
func (s *Server) decodeMessages(r *http.Request, metadata map[string]interface{}) ([]persistence.Message, error) {
	var req postMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("request body must be a JSON object with a messages array")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages must not be empty")
	}

	maxSize := int64(metadataInt(metadata, "_max_messages_post_size", s.cfg.Defaults.MaxMessagesPostSize))
	if size := persistence.BatchBytes(req.Messages); size > maxSize {
		return nil, fmt.Errorf("message bodies exceed the %d byte limit", maxSize)
	}

	for i := range req.Messages {
		if req.Messages[i].Body == nil {
			return nil, errors.New("every message needs a body")
		}
	}
	return req.Messages, nil
}

// postQueueMessages stores a message batch on a queue, creating the queue on
// first touch.
func (s *Server) postQueueMessages(w http.ResponseWriter, r *http.Request) {
	queue := mux.Vars(r)["queue"]
	proj := project(r)
	ctx := r.Context()

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

	messages, err := s.decodeMessages(r, metadata)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ttl := metadataInt(metadata, "_default_message_ttl", s.cfg.Defaults.MessageTTL)
	for i := range messages {
		if messages[i].TTL <= 0 {
			messages[i].TTL = ttl
		}
	}

	ids, err := s.store.Messages.Post(ctx, queue, proj, messages, clientID(r))
	if err != nil {
		s.storageError(w, r, err, "Messages could not be posted")
		return
	}

	if err := s.store.Monitors.Update(ctx, messages, queue, proj, persistence.SendMessages, false); err != nil {
		s.log.Error().Err(err).Str("queue", queue).Msg("Send monitor update failed")
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{"resources": ids})
}

// publish accepts a message batch for a topic: it bumps the topic counter,
// records the publish in the monitors, and fans the batch out to every
// subscription asynchronously. The response does not wait for deliveries.
func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["topic"]
	proj := project(r)
	ctx := r.Context()

	topic, err := s.store.Topics.Get(ctx, name, proj)
	if err != nil {
		s.storageError(w, r, err, "Topic could not be read")
		return
	}

	messages, err := s.decodeMessages(r, topic.Metadata)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ttl := metadataInt(topic.Metadata, "_default_message_ttl", s.cfg.Defaults.MessageTTL)
	ids := make([]string, len(messages))
	for i := range messages {
		if messages[i].TTL <= 0 {
			messages[i].TTL = ttl
		}
		messages[i].ID = uuid.NewString()
		ids[i] = messages[i].ID
	}

	if _, err := s.store.Topics.IncrementCounter(ctx, name, proj, int64(len(messages))); err != nil {
		s.log.Error().Err(err).Str("topic", name).Msg("Topic counter increment failed")
	}
	if err := s.store.Monitors.Update(ctx, messages, name, proj, persistence.PublishMessages, false); err != nil {
		s.log.Error().Err(err).Str("topic", name).Msg("Publish monitor update failed")
	}

	subscriptions, err := s.store.Subscriptions.ListAll(ctx, proj, name)
	if err != nil {
		s.storageError(w, r, err, "Subscriptions could not be listed")
		return
	}

	if s.dispatcher != nil && len(subscriptions) > 0 {
		tc := notification.TaskContext{
			Messages: s.store.Messages,
			Queues:   s.store.Queues,
			Monitors: s.store.Monitors,
			Project:  proj,
			ClientID: clientID(r),
			Config:   s.cfg,
			Log:      s.log,
		}
		// Deliveries run on the server's dispatch context so they survive
		// this request returning.
		s.dispatcher.Dispatch(s.dispatchCtx, tc, name, messages, subscriptions)
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{"resources": ids})
}
