package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speedrun-hq/intentflow/pkg/circuitbreaker"
	"github.com/speedrun-hq/intentflow/pkg/dispatcher"
	"github.com/speedrun-hq/intentflow/pkg/keeper"
	"github.com/speedrun-hq/intentflow/pkg/ledger"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/metrics"
	"github.com/speedrun-hq/intentflow/pkg/oracle"
	"github.com/speedrun-hq/intentflow/pkg/registry"
)

const maxBodyBytes = 64 << 10

// Options configures the HTTP surface
type Options struct {
	Port          string
	MetricsAPIKey string
	// NonceWindow bounds how far a request nonce may be from now
	NonceWindow time.Duration
}

// Deps are the engine components the API exposes. Keeper and Feed may be nil.
type Deps struct {
	Chain      *ledger.Chain
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Feed       *oracle.Feed
	Keeper     *keeper.Service
	Breakers   []*circuitbreaker.CircuitBreaker
}

// Server represents the intent API and health server
type Server struct {
	opts       Options
	deps       Deps
	nonces     *NonceTracker
	validate   *validator.Validate
	logger     logger.Logger
	httpServer *http.Server
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server
func NewServer(opts Options, deps Deps, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if opts.NonceWindow <= 0 {
		opts.NonceWindow = 5 * time.Minute
	}
	s := &Server{
		opts:     opts,
		deps:     deps,
		nonces:   NewNonceTracker(opts.NonceWindow),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log,
		stop:     make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /circuit/reset", s.handleCircuitReset)
	mux.Handle("GET /metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	mux.HandleFunc("GET /intents", s.handleListIntents)
	mux.HandleFunc("GET /intents/{id}", s.handleGetIntent)
	mux.HandleFunc("GET /intents/{id}/raw", s.handleGetIntentRaw)
	mux.HandleFunc("GET /intents/{id}/account", s.handleGetAccount)

	mux.Handle("POST /intents", s.signed(s.handleRegister))
	mux.Handle("POST /intents/{id}/execute", s.signed(s.handleExecute))
	mux.Handle("POST /intents/{id}/status", s.signed(s.handleStatusUpdate))
	mux.Handle("POST /intents/{id}/cancel", s.signed(s.handleCancel))
	mux.Handle("POST /intents/{id}/withdraw", s.signed(s.handleWithdraw))
	mux.Handle("POST /intents/{id}/deposit", s.signed(s.handleDeposit))
	mux.Handle("POST /intents/{id}/sweep", s.signed(s.handleSweep))
	mux.Handle("POST /oracle/publish", s.signed(s.handleOraclePublish))

	return s.instrument(mux)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting API server on port %s", s.opts.Port)
	go s.pruneNonces()
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) pruneNonces() {
	ticker := time.NewTicker(s.opts.NonceWindow)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.nonces.Prune(); n > 0 {
				s.logger.Debug("Pruned nonces of %d idle signers", n)
			}
		}
	}
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.opts.MetricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.opts.MetricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type signedHandler func(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte)

// signed authenticates the request signature and hands the body to next
func (s *Server) signed(next signedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			s.problem(w, r, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		if len(body) > maxBodyBytes {
			s.problem(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}

		sender, nonce, err := recoverSigner(r.Method, r.URL.Path,
			r.Header.Get(HeaderAddress), r.Header.Get(HeaderNonce), r.Header.Get(HeaderSignature), body)
		if err != nil {
			s.problem(w, r, http.StatusUnauthorized, "invalid_signature", err.Error())
			return
		}
		if err := s.nonces.Use(sender, nonce); err != nil {
			s.problem(w, r, http.StatusUnauthorized, "invalid_nonce", err.Error())
			return
		}
		next(w, r, sender, body)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, pattern := next.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.APIRequests.WithLabelValues(pattern, strconv.Itoa(rec.code)).Inc()
	})
}

func (s *Server) decode(body []byte, v interface{}) error {
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	return s.validate.Struct(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Error encoding response JSON: %v", err)
	}
}

func pathID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.PathValue("id"), 10, 64)
}
