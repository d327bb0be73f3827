package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/usagemeter/internal/config"
	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
	natsalerts "github.com/mihaimyh/usagemeter/pkg/usagemeter/alerts/nats"
	zerologadapter "github.com/mihaimyh/usagemeter/pkg/usagemeter/logger/zerolog"
	prommetrics "github.com/mihaimyh/usagemeter/pkg/usagemeter/metrics/prometheus"
)

const metricsNamespace = "usagemeter"

// app holds the wired Manager and everything it owns
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	manager  *usagemeter.Manager
	sink     usagemeter.AlertSink

	closers []func()
}

type appOption func(*appOptions)

type appOptions struct {
	publishAlerts bool
	storage       usagemeter.Storage
}

// withAlertPublishing connects to NATS when a URL is configured
func withAlertPublishing(enabled bool) appOption {
	return func(o *appOptions) { o.publishAlerts = enabled }
}

// withStorage skips backend selection
func withStorage(s usagemeter.Storage) appOption {
	return func(o *appOptions) { o.storage = s }
}

func newApp(ctx context.Context, cfg *config.Config, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	zl, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		log:      zl,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger := zerologadapter.NewLogger(zl)

	tiers := usagemeter.DefaultTiers()
	if cfg.Tiers.File != "" {
		tiers, err = usagemeter.LoadTiersFile(cfg.Tiers.File)
		if err != nil {
			return nil, err
		}
	}

	store := o.storage
	if store == nil {
		var closeStore func()
		store, closeStore, err = openStorage(ctx, cfg, logger.With("storage"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeStore)
	}

	if o.publishAlerts && cfg.NATS.URL != "" {
		client, err := natsalerts.Connect(ctx, cfg.NATS.URL, cfg.NATS.Subject, logger.With("nats"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.sink = natsalerts.NewSink(client.JetStream(), cfg.NATS.Subject, logger.With("alerts"))
	}

	a.manager, err = usagemeter.NewManager(store, usagemeter.Config{
		Tiers:       tiers,
		DefaultTier: cfg.Tiers.Default,
		TierCache: usagemeter.CacheConfig{
			Enabled:    cfg.TierCache.Enabled,
			TTL:        cfg.TierCache.TTL,
			MaxEntries: cfg.TierCache.MaxEntries,
		},
		CircuitBreaker: usagemeter.CircuitBreakerConfig{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		},
		Alerts: usagemeter.AlertScannerConfig{
			Threshold:   cfg.Alerts.Threshold,
			Concurrency: cfg.Alerts.Concurrency,
			Sink:        a.sink,
		},
		PruneRetention: cfg.Prune.Retention,
		Logger:         logger.With("manager"),
		Metrics:        prommetrics.NewMetrics(a.registry, metricsNamespace),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating manager: %w", err)
	}
	return a, nil
}

// Close releases connections in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
