// Package server coordinates the telemetryd HTTP surface: ingestion,
// deletion, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beacon/internal/auth"
	"beacon/internal/config"
	"beacon/internal/handlers"
	"beacon/internal/kafka"
	"beacon/internal/logger"
	"beacon/internal/middleware"
	"beacon/internal/store"
	"beacon/internal/transport"
	"beacon/internal/validation"
)

// Server owns the store, the optional kafka producer and the HTTP listener.
type Server struct {
	cfg        *config.Config
	store      store.Store
	producer   *kafka.Producer
	auth       *auth.Authenticator
	validator  *validation.Validator
	ingest     *handlers.IngestHandler
	deletion   *handlers.DeleteHandler
	httpServer *http.Server
	started    time.Time

	addrMu sync.Mutex
	addr   net.Addr

	wg sync.WaitGroup
}

// New wires a Server. producer may be nil to disable forwarding.
func New(cfg *config.Config, st store.Store, authn *auth.Authenticator, producer *kafka.Producer) (*Server, error) {
	if st == nil {
		return nil, errors.New("server: store is required")
	}
	if authn == nil {
		return nil, errors.New("server: authenticator is required")
	}

	v, err := validation.New(validation.StrictPolicy())
	if err != nil {
		return nil, fmt.Errorf("server: build validator: %w", err)
	}

	var fwd handlers.Forwarder
	if producer != nil {
		fwd = producer
	}

	s := &Server{
		cfg:       cfg,
		store:     st,
		producer:  producer,
		auth:      authn,
		validator: v,
		ingest: handlers.NewIngestHandler(handlers.IngestConfig{
			Store:       st,
			Validator:   v,
			Forwarder:   fwd,
			MaxBodySize: cfg.Server.MaxBodyBytes,
		}),
		deletion: handlers.NewDeleteHandler(st, fwd),
		started:  time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging, middleware.Recovery)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	r.Get("/stats", s.statsHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		ingest := r.With(middleware.Decompress)
		if limit := s.cfg.Server.RateLimitPerMinute; limit > 0 {
			ingest = ingest.With(httprate.Limit(limit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
			))
		}
		ingest.Method(http.MethodPost, transport.EventsPath, s.ingest)

		r.Method(http.MethodDelete, transport.UsersPath+"{userId}", s.deletion)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := logger.WithComponent("server")

	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr, err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if s.cfg.Server.StatsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reportStats(ctx)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return s.shutdown()
}

// Addr returns the bound listener address once Run is serving.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// shutdown performs graceful shutdown
func (s *Server) shutdown() error {
	log := logger.WithComponent("server")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting requests and let in-flight ones finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		errs = append(errs, err)
	}

	// 2. Flush and close the kafka writers
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
			errs = append(errs, err)
		}
	}

	// 3. Release the database pool
	s.store.Close()

	s.wg.Wait()
	log.Info().Msg("server stopped gracefully")
	return errors.Join(errs...)
}

// Stats is the /stats payload.
type Stats struct {
	UptimeSeconds int64                `json:"uptimeSeconds"`
	Ingest        handlers.IngestStats `json:"ingest"`
	Validation    validation.Stats     `json:"validation"`
	Kafka         *kafka.ProducerStats `json:"kafka,omitempty"`
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	st := Stats{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Ingest:        s.ingest.Stats(),
		Validation:    s.validator.Stats(),
	}
	if s.producer != nil {
		ps := s.producer.Stats()
		st.Kafka = &ps
	}
	return st
}

// reportStats periodically logs statistics
func (s *Server) reportStats(ctx context.Context) {
	log := logger.WithComponent("server")
	ticker := time.NewTicker(s.cfg.Server.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Stats()
			event := log.Info().
				Uint64("batches_accepted", st.Ingest.BatchesAccepted).
				Uint64("batches_rejected", st.Ingest.BatchesRejected).
				Uint64("events_inserted", st.Ingest.EventsInserted).
				Uint64("events_duplicate", st.Ingest.EventsDuplicate)
			if st.Kafka != nil {
				event = event.
					Uint64("kafka_sent", st.Kafka.MessagesSent).
					Uint64("kafka_failed", st.Kafka.MessagesFailed)
			}
			event.Msg("stats")
		}
	}
}

// healthHandler reports liveness only.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readyHandler checks the store is reachable.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statsHandler returns current statistics
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
