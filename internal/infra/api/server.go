package api

import (
	"context"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vibephoto/internal/config"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/infra/metrics"
	"vibephoto/internal/infra/realtime"
	red "vibephoto/internal/infra/redis"
	"vibephoto/internal/usecase"
)

// RateLimiter is satisfied by redis.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Deps are the collaborators of the HTTP layer. Limiter, Hub, Gatherer,
// MediaDir, Async and Checks are optional.
type Deps struct {
	Dispatch  usecase.DispatchUseCase
	Reconcile usecase.ReconcileUseCase
	Ledger    usecase.LedgerUseCase
	Providers adapter.ProviderRouter
	Auth      *AuthManager
	Limiter   RateLimiter
	Hub       *realtime.Hub
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Metrics
	// MediaDir is served under /media when results are stored locally.
	MediaDir string
	// Async runs reconciliation of webhook callbacks off the request path.
	Async func(task func(ctx context.Context) error) error
	// Checks are probed by /health.
	Checks map[string]func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	cfg    *config.Config
	log    *zerolog.Logger
	router chi.Router
}

func NewServer(cfg *config.Config, deps Deps, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "HTTP").Logger()
	s := &Server{deps: deps, cfg: cfg, log: &l}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, TraceID())
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(RequestLog(s.log, s.deps.Metrics), Recover(s.log))

	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.deps.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.deps.MediaDir))))
	}

	r.With(Timeout(10*time.Second)).Post("/webhooks/{provider}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.deps.Hub != nil {
			// long-lived; no request timeout
			r.Handle("/realtime", realtime.NewHandler(s.deps.Hub, s.deps.Auth.Identity, s.log))
		}
		r.Group(func(r chi.Router) {
			r.Use(Timeout(s.cfg.Server.RequestTimeout))
			r.With(s.rateLimitJobs).Post("/jobs", s.handleCreateJob)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/credits", s.handleBalances)
			r.Get("/credits/transactions", s.handleTransactions)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/packages/{id}/confirm", s.handleConfirmPackage)
				r.Post("/accounts/{id}/renew", s.handleRenewPlan)
			})
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.deps.Auth.ParseFromRequest(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFrom(r.Context()); c == nil || !c.IsAdmin() {
			writeJSONError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitJobs fails open when Redis is unavailable.
func (s *Server) rateLimitJobs(next http.Handler) http.Handler {
	limit := s.cfg.Limits.JobsPerMinute
	if s.deps.Limiter == nil || limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := ClaimsFrom(r.Context())
		ok, err := s.deps.Limiter.Allow(r.Context(), red.AccountJobsKey(c.Subject), limit, time.Minute)
		if err != nil {
			s.log.Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "too many jobs, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
}
