package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/usagemeter/pkg/api"
	zerologadapter "github.com/mihaimyh/usagemeter/pkg/usagemeter/logger/zerolog"
)

// router mounts the usage API, /metrics and /healthz
func (a *app) router() (http.Handler, error) {
	var getTier func(*http.Request) string
	if a.cfg.Server.TierHeader != "" {
		getTier = api.FromHeader(a.cfg.Server.TierHeader)
	}
	h, err := api.NewHandler(api.Config{
		Manager:   a.manager,
		GetUserID: api.FromHeader(a.cfg.Server.UserIDHeader),
		GetTier:   getTier,
		Logger:    zerologadapter.NewLogger(a.log).With("api"),
	})
	if err != nil {
		return nil, err
	}

	m := newHTTPMetrics(a.registry)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(a.log, m))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	h.Mount(r)
	return r, nil
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	return &httpMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// accessLog logs each request and records HTTP metrics by route pattern
func accessLog(log zerolog.Logger, m *httpMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			path := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pat := rctx.RoutePattern(); pat != "" {
					path = pat
				}
			}
			m.requests.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
			m.duration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", elapsed).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// serve runs the HTTP server and the background jobs until ctx is done
func (a *app) serve(ctx context.Context) error {
	handler, err := a.router()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Str("backend", a.cfg.Storage.Backend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		a.log.Info().Msg("server stopped gracefully")
		return nil
	})

	if a.cfg.Alerts.Enabled {
		g.Go(func() error {
			return a.manager.AlertScanner().Run(gctx, a.cfg.Alerts.Interval)
		})
	}

	g.Go(func() error {
		return a.manager.Pruner().Run(gctx, a.cfg.Prune.Interval)
	})

	return g.Wait()
}
