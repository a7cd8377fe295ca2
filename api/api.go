// Package api provides the HTTP producer and monitoring boundary of a jobq
// engine: job submission, the chat endpoint, result lookup, cancellation,
// queue statistics, liveness and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/jobq/engine"
)

// API wires the chi HTTP handlers to an engine.
type API struct {
	eng      *engine.Engine
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	validate *validator.Validate

	chatWait time.Duration
	waitPoll time.Duration
	maxBody  int64
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithGatherer sets what /metrics exposes. Defaults to the Prometheus
// default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// WithChatWait sets how long POST /v1/chat waits for the reply.
func WithChatWait(d time.Duration) Option {
	return func(a *API) { a.chatWait = d }
}

// WithWaitPoll sets how often a waiting request polls the result.
func WithWaitPoll(d time.Duration) Option {
	return func(a *API) { a.waitPoll = d }
}

// New creates an API from a jobq Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:      eng,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		validate: validator.New(),
		chatWait: 30 * time.Second,
		waitPoll: 100 * time.Millisecond,
		maxBody:  1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(a.maxBody))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		a.RegisterRoutes(r)
	})
	return r
}

// RegisterRoutes registers the /v1 routes into r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/jobs", a.submitJob)
	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", a.getResult)
		r.Post("/cancel", a.cancelJob)
	})
	r.Post("/chat", a.chat)
	r.Get("/stats", a.stats)
}
