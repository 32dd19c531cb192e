package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete before the endpoint reports 503.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check, one per critical dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Router bundles the chi mux, the schedule handler, and health probes.
type Router struct {
	mux     *chi.Mux
	handler *ScheduleHandler
	probes  []HealthProbe
	logger  *slog.Logger
}

// NewRouter builds the HTTP routing hierarchy: global middleware, the /v1
// group, and the public health endpoint.
func NewRouter(handler *ScheduleHandler, probes []HealthProbe, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{
		mux:     chi.NewRouter(),
		handler: handler,
		probes:  probes,
		logger:  logger,
	}

	rt.mux.Use(middleware.Recoverer)
	rt.mux.Use(middleware.RequestID)
	rt.mux.Use(middleware.RealIP)
	rt.mux.Use(requestLogger(logger))

	rt.mux.Route("/v1", handler.RegisterRoutes)
	rt.mux.Get("/health", rt.handleHealth)
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// requestLogger emits one structured log line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// handleHealth runs all registered probes concurrently under a short
// deadline. Any failing probe turns the whole response into a 503.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(rt.probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}
	results := make([]probeResult, len(rt.probes))
	var wg sync.WaitGroup
	for i, probe := range rt.probes {
		wg.Add(1)
		go func(i int, probe HealthProbe) {
			defer wg.Done()
			results[i] = probeResult{name: probe.Name(), err: probe.Check(ctx)}
		}(i, probe)
	}
	wg.Wait()

	resp := healthResponse{
		Status:     "healthy",
		Components: make(map[string]componentStatus, len(results)),
	}
	status := http.StatusOK
	for _, res := range results {
		if res.err != nil {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			continue
		}
		resp.Components[res.name] = componentStatus{Status: "healthy"}
	}
	JSON(w, r, status, resp)
}
