package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"reqcoord/internal/cache"
	"reqcoord/internal/config"
	"reqcoord/internal/coordinator"
	"reqcoord/internal/metrics"
	"reqcoord/internal/transform"
	"reqcoord/internal/transport"
)

// Server exposes a coordinator over HTTP
type Server struct {
	cfg         *config.Config
	coordinator *coordinator.Coordinator
	sender      transport.Sender
	wsSender    *transport.WSSender
	httpSender  *transport.HTTPSender
	breaker     *transport.CircuitBreaker
	cache       cache.Cache
	metrics     *metrics.Collector
	httpServer  *http.Server
	logger      zerolog.Logger
}

// New creates a new Server from cfg
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	if err := s.buildSender(); err != nil {
		return nil, err
	}

	if cfg.IsCacheEnabled() {
		mc, err := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		s.cache = mc
		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("ttl", cfg.Cache.TTL).
			Msg("cache enabled")
	} else {
		s.cache = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	if cfg.IsMetricsEnabled() {
		s.metrics = metrics.New(cfg.Metrics.Namespace)
		logger.Info().Str("namespace", cfg.Metrics.Namespace).Msg("metrics enabled")
	}

	registry := transform.NewRegistry()
	for _, b := range cfg.Batches {
		t, err := NewTransformer(b)
		if err != nil {
			return nil, fmt.Errorf("batch %q: %w", b.Key, err)
		}
		registry.Register(b.Key, t)
		logger.Info().
			Str("batchKey", b.Key).
			Str("kind", b.Kind).
			Str("url", b.URL).
			Msg("batch transformer registered")
	}

	s.coordinator = coordinator.New(cfg.Coordinator, s.sender,
		coordinator.WithLogger(logger),
		coordinator.WithCache(s.cache),
		coordinator.WithMetrics(s.metrics),
		coordinator.WithRegistry(registry),
	)
	return s, nil
}

// buildSender creates the configured sender and wraps it with the rate
// limiter and circuit breaker when enabled
func (s *Server) buildSender() error {
	tc := s.cfg.Transport

	switch tc.Kind {
	case config.TransportWS:
		s.wsSender = transport.NewWSSender(transport.WSConfig{
			GatewayURL:        tc.GatewayURL,
			MessageTimeout:    tc.GetMessageTimeoutDuration(),
			ReconnectInterval: tc.GetReconnectIntervalDuration(),
			PingInterval:      30 * time.Second,
			Logger:            s.logger,
		})
		s.sender = s.wsSender
	default:
		hs, err := transport.NewHTTPSender(transport.HTTPConfig{
			BaseURL:        tc.BaseURL,
			RequestTimeout: tc.GetRequestTimeoutDuration(),
			Logger:         s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create HTTP sender: %w", err)
		}
		s.httpSender = hs
		s.sender = hs
	}

	if tc.IsCircuitBreakerEnabled() {
		s.breaker = transport.NewCircuitBreaker(s.sender, transport.CircuitBreakerConfig{
			FailureThreshold:    tc.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     tc.CircuitBreaker.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: tc.CircuitBreaker.HalfOpenMaxRequests,
		})
		s.sender = s.breaker
		s.logger.Info().
			Int("failureThreshold", tc.CircuitBreaker.FailureThreshold).
			Msg("circuit breaker enabled")
	}
	if tc.IsRateLimitEnabled() {
		s.sender = transport.NewLimiter(s.sender, tc.RateLimit.RPS, tc.RateLimit.Burst)
		s.logger.Info().
			Float64("rps", tc.RateLimit.RPS).
			Int("burst", tc.RateLimit.Burst).
			Msg("rate limit enabled")
	}
	return nil
}

// NewTransformer builds the built-in transformer described by b
func NewTransformer(b config.BatchConfig) (transform.Transformer, error) {
	switch strings.ToLower(b.Kind) {
	case "graphql":
		g := transform.NewGraphQL(b.URL)
		if b.Method != "" {
			g.Method = b.Method
		}
		return g, nil
	case "rest":
		t := transform.NewREST(b.URL, transform.FieldID(b.IDField))
		if b.Method != "" {
			t.Method = b.Method
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transformer kind %q", b.Kind)
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	api := NewHandler(s.coordinator, s.cfg.MaxBodySize, s.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", api.HandleRequest)
		r.Delete("/requests", api.HandleCancelAll)
		r.Get("/pending", api.HandlePending)
	})
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Start connects the sender and starts listening
func (s *Server) Start(ctx context.Context) error {
	if s.wsSender != nil {
		if err := s.wsSender.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect gateway: %w", err)
		}
	}

	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.Coordinator.GetDefaultTimeoutDuration() + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	coordErr := s.coordinator.Close(ctx)

	if s.wsSender != nil {
		s.wsSender.Close()
	}
	if s.httpSender != nil {
		s.httpSender.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}

	if httpErr != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", httpErr)
	}
	if coordErr != nil {
		return fmt.Errorf("coordinator shutdown error: %w", coordErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// Coordinator returns the coordinator
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{"status": "ok"}
	switch {
	case s.wsSender != nil && !s.wsSender.Connected():
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["reason"] = "gateway not connected"
	case s.breaker != nil && s.breaker.Open():
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["reason"] = "circuit open"
	}
	body["stats"] = s.coordinator.Stats()
	writeJSON(w, status, body)
}

// accessLog logs each request at debug level
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("requestId", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
