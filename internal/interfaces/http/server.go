package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/notiq/notiq/internal/config"
	"github.com/notiq/notiq/internal/notification"
	"github.com/notiq/notiq/internal/persistence"
)

// Pinger reports liveness of a storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server carries the /v2 messaging surface: queue and topic CRUD, message
// posting and publishing, the consume path, subscriptions, and monitors.
type Server struct {
	router     *mux.Router
	server     *http.Server
	store      persistence.Store
	dispatcher *notification.Dispatcher
	cfg        config.Config
	log        zerolog.Logger
	metrics    *MetricsRegistry
	pingers    []Pinger

	// dispatchCtx outlives individual requests so deliveries keep running
	// after a publish returns; Shutdown cancels it last.
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
}

// NewServer wires the handlers, middleware, and routes. pingers back the
// health endpoint; pass every storage backend in use.
func NewServer(cfg config.Config, store persistence.Store, dispatcher *notification.Dispatcher, metrics *MetricsRegistry, logger zerolog.Logger, pingers ...Pinger) *Server {
	dispatchCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		router:         mux.NewRouter(),
		store:          store,
		dispatcher:     dispatcher,
		cfg:            cfg,
		log:            logger,
		metrics:        metrics,
		pingers:        pingers,
		dispatchCtx:    dispatchCtx,
		cancelDispatch: cancel,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v2 := s.router.PathPrefix("/v2").Subrouter()

	v2.HandleFunc("/queues", s.listQueues).Methods(http.MethodGet)
	v2.HandleFunc("/queues/{queue}", s.putQueue).Methods(http.MethodPut)
	v2.HandleFunc("/queues/{queue}", s.getQueue).Methods(http.MethodGet)
	v2.HandleFunc("/queues/{queue}", s.deleteQueue).Methods(http.MethodDelete)
	v2.HandleFunc("/queues/{queue}/messages", s.postQueueMessages).Methods(http.MethodPost)
	v2.HandleFunc("/queues/{queue}/messages/consume", s.consume).Methods(http.MethodGet)
	v2.HandleFunc("/queues/{queue}/messages/consume", s.bulkConsumeDelete).Methods(http.MethodDelete)
	v2.HandleFunc("/queues/{queue}/messages/consume/{handle}", s.consumeDelete).Methods(http.MethodDelete)

	v2.HandleFunc("/monitors", s.listMonitors).Methods(http.MethodGet)
	v2.HandleFunc("/monitors/{mtype}/{name}", s.getMonitor).Methods(http.MethodGet)

	v2.HandleFunc("/topics", s.listTopics).Methods(http.MethodGet)
	v2.HandleFunc("/topics/{topic}", s.putTopic).Methods(http.MethodPut)
	v2.HandleFunc("/topics/{topic}", s.getTopic).Methods(http.MethodGet)
	v2.HandleFunc("/topics/{topic}", s.patchTopic).Methods(http.MethodPatch)
	v2.HandleFunc("/topics/{topic}", s.deleteTopic).Methods(http.MethodDelete)
	v2.HandleFunc("/topics/{topic}/messages", s.publish).Methods(http.MethodPost)

	v2.HandleFunc("/topics/{topic}/subscriptions", s.postSubscription).Methods(http.MethodPost)
	v2.HandleFunc("/topics/{topic}/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	v2.HandleFunc("/topics/{topic}/subscriptions/{sid}", s.getSubscription).Methods(http.MethodGet)
	v2.HandleFunc("/topics/{topic}/subscriptions/{sid}", s.deleteSubscription).Methods(http.MethodDelete)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, drains in-flight deliveries, and then
// cancels the dispatch context.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	s.cancelDispatch()
	return err
}
