package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"realtime-ws-server/internal/auth"
	"realtime-ws-server/internal/config"
	"realtime-ws-server/internal/events"
	"realtime-ws-server/internal/metrics"
	"realtime-ws-server/internal/session"
	natsclient "realtime-ws-server/pkg/nats"
)

// Server wires the registry, the upgrade gateway, the NATS bridge, and
// the auxiliary HTTP endpoints into one process.
type Server struct {
	config     *config.Config
	logger     zerolog.Logger
	registry   *session.Registry
	bus        *natsclient.Client
	listener   *events.Listener
	collector  *metrics.SystemCollector
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs the full service. A bus connection failure is
// returned to the caller; the process cannot run without its publisher.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	registry := session.NewRegistry(logger)

	bus, err := natsclient.NewClient(natsclient.Config{
		URL:           cfg.NATSURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	publisher := events.NewPublisher(bus, logger)
	listener := events.NewListener(bus, registry, logger)
	verifier := auth.NewVerifier(cfg.JWTSecret)
	gateway := NewGateway(registry, verifier, publisher, cfg.HeartbeatInterval, cfg.WriteTimeout, logger)

	collector, err := metrics.NewSystemCollector(cfg.MetricsInterval, logger)
	if err != nil {
		bus.Close()
		cancel()
		return nil, fmt.Errorf("failed to create system collector: %w", err)
	}

	s := &Server{
		config:    cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		registry:  registry,
		bus:       bus,
		listener:  listener,
		collector: collector,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.routes(gateway),
	}
	return s, nil
}

// routes builds the HTTP mux. The metrics middleware wraps the plain
// endpoints only; the upgrade route hijacks the connection and is
// tracked through the ws_* metrics instead.
func (s *Server) routes(gateway *Gateway) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws/{session_id}", gateway.HandleWS)
	mux.Handle("GET /health", metrics.HTTPMiddleware(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.HTTPMiddleware(metrics.Handler()))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "realtime-ws-server",
	})
}

// Start brings up the ingress bridge, the system collector, and the
// HTTP listener. Non-blocking; callers wait on signals and then invoke
// Shutdown.
func (s *Server) Start() {
	s.listener.Run(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collector.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// Shutdown stops accepting new connections, drains the bus consumers,
// and closes the NATS connection within the configured grace period.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Stop bus consumers and background collectors.
	s.cancel()
	s.listener.Wait()
	s.bus.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown grace period expired")
	}
}
