package server

import (
	"chat-relay/internal/delivery"
	"chat-relay/internal/event"
	"chat-relay/internal/presence"
	"context"
	"fmt"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Server defines fields used in HTTP and websocket processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
	h             *handler
}

// NewServer returns new Server accepting connections authenticated by v and routing their events through router
func NewServer(logger *zap.SugaredLogger, v Verifier, router *delivery.Router, registry *presence.Registry, store Store, opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.sendBuffer < 1 {
		return nil, fmt.Errorf("send buffer must be positive, got %d", cfg.sendBuffer)
	}
	if cfg.pongTimeout <= 0 || cfg.writeTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive")
	}

	h := &handler{
		logger:   logger,
		cfg:      cfg,
		verifier: v,
		router:   router,
		registry: registry,
		store:    store,
		decoder:  &event.Decoder{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients authenticate with a bearer credential, not with cookies
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", http.HandlerFunc(h.connect))
	mux.Handle("/v1/messages/add", authenticate(enforcePOSTJSON(http.HandlerFunc(h.addMessage)), v, cfg.metrics))
	mux.Handle("/v1/messages/read", authenticate(enforcePOSTJSON(http.HandlerFunc(h.markRead)), v, cfg.metrics))
	mux.Handle("/v1/messages/unread", enforceGET(authenticate(http.HandlerFunc(h.unreadMessages), v, cfg.metrics)))
	mux.Handle("/v1/stats", enforceGET(authenticate(http.HandlerFunc(h.stats), v, cfg.metrics)))
	mux.Handle("/v1/stats/activity", enforceGET(authenticate(http.HandlerFunc(h.activity), v, cfg.metrics)))
	mux.Handle("/healthz", enforceGET(http.HandlerFunc(h.health)))
	if cfg.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))
	}

	cfg.httpServer.Handler = logRequests(mux, logger)
	cfg.httpServer.RegisterOnShutdown(h.closeAll)

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
		h:             h,
	}, nil
}

// Handler returns the root http.Handler of the server
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %w", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
