package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/apec-labs/apec-certs-go/pkg/commitment"
	"github.com/apec-labs/apec-certs-go/pkg/metrics"
)

/*
Server exposes the commitment service over HTTP.

Provider flow:
  POST /commitments/{courseID}
    - Request: { addresses? }; without addresses the eligible wallets are read
      from the certificate database
    - Builds the merkle tree and stores root, total and the address snapshot as a
      new version, superseding the previous root for the course
    - Response: the stored commitment; the root and total are what the provider
      writes on chain

  GET /commitments/{courseID}
    - Returns the latest commitment for the course

  GET /commitments/{courseID}/freshness
    - 200 when the eligibility list still matches the published root
    - 409 when it has changed and the provider must publish again

Claimant flow:
  POST /proofs
    - Request: { courseId, claimant, index? }
    - Response: sibling path for the claimant against the published root

  POST /proofs/batch
    - Request: { courseId, claimants }
    - Response: proofs in request order, from a single tree build

  POST /verify
    - Request: { courseId, claimant, proof }
    - Checks the proof exactly as the on-chain program would

Operations:
  GET /healthz, GET /metrics
*/

// MaxBatchSize caps the claimants accepted by a single batch request.
const MaxBatchSize = 1000

// Config holds the HTTP server settings.
type Config struct {
	// Address is the listen address, e.g. ":8080"
	Address string

	// RateLimit is requests per second across all clients; zero disables limiting
	RateLimit float64
	RateBurst int
}

// Server handles HTTP requests for the commitment service
type Server struct {
	service    *commitment.Service
	metrics    *metrics.Metrics
	logger     *zap.Logger
	limiter    *rate.Limiter
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new server instance
func NewServer(cfg *Config, service *commitment.Service, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		service: service,
		metrics: m,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	mux := http.NewServeMux()

	// Provider endpoints
	mux.HandleFunc("/commitments", s.handleListCommitments)
	mux.HandleFunc("/commitments/{courseID}", s.handleCommitment)
	mux.HandleFunc("/commitments/{courseID}/freshness", s.handleFreshness)

	// Claimant endpoints
	mux.HandleFunc("/proofs", s.handleProof)
	mux.HandleFunc("/proofs/batch", s.handleBatchProof)
	mux.HandleFunc("/verify", s.handleVerify)

	// Operational endpoints, never rate limited
	ops := http.NewServeMux()
	ops.HandleFunc("/healthz", s.handleHealth)
	if m != nil {
		ops.Handle("/metrics", m.Handler())
	}
	ops.Handle("/", s.rateLimit(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           ops,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start binds the listen address and serves in the background. Bind failures,
// such as a port already in use, are returned rather than logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	s.logger.Sugar().Infow("Starting HTTP server", "address", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded, nil before.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight requests and stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.logger.Sugar().Debugw("Rate limit exceeded", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
