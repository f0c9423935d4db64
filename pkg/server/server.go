// Package server wires the request pipeline, the write handler, and the
// health and admin routes into an http.ServeMux.
package server

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blobkit/proxy/pkg/breaker"
	"github.com/blobkit/proxy/pkg/config"
	"github.com/blobkit/proxy/pkg/metrics"
	"github.com/blobkit/proxy/pkg/middleware"
	"github.com/blobkit/proxy/pkg/ratelimit"
)

// Server holds every collaborator the HTTP surface depends on and
// exposes the wired *http.ServeMux.
type Server struct {
	cfg      *config.Config
	signer   Signer
	verifier Verifier
	executor BlobExecutor
	cache    Cache
	queue    Queue
	breakers *breaker.Registry
	metrics  *metrics.Registry
	limiter  *ratelimit.Limiter

	startTime time.Time
	logger    *log.Logger

	rpcHealth RPCHealthChecker
}

// Deps bundles the Server's constructor dependencies.
type Deps struct {
	Config    *config.Config
	Signer    Signer
	Verifier  Verifier
	Executor  BlobExecutor
	Cache     Cache
	Queue     Queue
	Breakers  *breaker.Registry
	Metrics   *metrics.Registry
	RPCHealth RPCHealthChecker
	Logger    *log.Logger
}

// New constructs a Server and its rate limiter.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Server] ", log.LstdFlags)
	}
	return &Server{
		cfg:       d.Config,
		signer:    d.Signer,
		verifier:  d.Verifier,
		executor:  d.Executor,
		cache:     d.Cache,
		queue:     d.Queue,
		breakers:  d.Breakers,
		metrics:   d.Metrics,
		limiter:   ratelimit.New(d.Config.RateLimitRequests, d.Config.RateLimitWindow, d.Config.HTTPProxyCount),
		startTime: time.Now(),
		logger:    logger,
		rpcHealth: d.RPCHealth,
	}
}

// cors applies the configured Access-Control-Allow-Origin to every
// response and short-circuits preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-BlobKit-Signature, X-BlobKit-Timestamp, X-BlobKit-Nonce")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router builds the wired *http.ServeMux: the request pipeline applied
// to /write in its fixed order (tracing, metrics, rate limit, signature
// verification, body validation, handler), plus the health, admin, and
// job-status routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	writeChain := chain(
		middleware.Tracing(s.logger),
		middleware.Metrics(s.metrics, "write"),
		middleware.RateLimit(s.limiter, s.cfg.HTTPProxyCount),
		middleware.VerifySignature(s.cfg.RequestSigningSecret),
		middleware.ValidateWriteBody(),
	)
	mux.Handle("/api/v1/blob/write", writeChain(http.HandlerFunc(s.handleWrite)))

	statusChain := chain(
		middleware.Tracing(s.logger),
		middleware.Metrics(s.metrics, "job_status"),
	)
	mux.Handle("/api/v1/job/", statusChain(http.HandlerFunc(s.handleJobStatus)))

	// Both the admin-route names (/health, /health/details, /address) and
	// the external wire-contract names (/api/v1/health, /details) are
	// mounted to the same handlers, so either naming convention resolves.
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/details", s.handleHealthDetails)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/health/details", s.handleHealthDetails)
	mux.HandleFunc("/address", s.handleAddress)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registerer(), promhttp.HandlerOpts{}))

	return s.cors(mux)
}

func chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		h := final
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
