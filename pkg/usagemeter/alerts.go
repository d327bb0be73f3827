package usagemeter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultAlertThreshold is the usage percentage above which users are reported
const DefaultAlertThreshold = 80.0

// AlertSink receives the alerts produced by one scan
type AlertSink interface {
	Publish(ctx context.Context, alerts []UsageAlert) error
}

// AlertSinkFunc adapts a function to AlertSink
type AlertSinkFunc func(ctx context.Context, alerts []UsageAlert) error

// Publish implements AlertSink
func (f AlertSinkFunc) Publish(ctx context.Context, alerts []UsageAlert) error {
	return f(ctx, alerts)
}

// AlertScannerConfig configures an AlertScanner
type AlertScannerConfig struct {
	// Threshold is the usage percentage that triggers an alert (default: 80)
	Threshold float64
	// Concurrency bounds parallel analytics reads (default: 8)
	Concurrency int
	// Sink receives alerts from Run; nil discards them
	Sink AlertSink
	// DefaultTier is the tier of users without an entitlement. The Manager
	// sets it from Config.DefaultTier.
	DefaultTier string
}

// AlertScanner lists entry-level users above a usage threshold.
// It only reads.
type AlertScanner struct {
	analytics   *AnalyticsEngine
	users       UserLister
	policies    *PolicyResolver
	threshold   float64
	concurrency int
	sink        AlertSink
	defaultTier string
	clock       Clock
	logger      Logger
	metrics     Metrics
}

// NewAlertScanner creates an AlertScanner
func NewAlertScanner(analytics *AnalyticsEngine, users UserLister, policies *PolicyResolver, cfg AlertScannerConfig, clock Clock, logger Logger, metrics Metrics) *AlertScanner {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAlertThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &AlertScanner{
		analytics:   analytics,
		users:       users,
		policies:    policies,
		threshold:   cfg.Threshold,
		concurrency: cfg.Concurrency,
		sink:        cfg.Sink,
		defaultTier: cfg.DefaultTier,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}
}

// Scan returns one alert per (user, limit type) above the threshold,
// across every entry-level tier, ordered by user then limit type
func (s *AlertScanner) Scan(ctx context.Context) ([]UsageAlert, error) {
	now := s.clock.Now()

	var (
		mu     sync.Mutex
		alerts []UsageAlert
	)

	for _, tier := range s.policies.EntryLevelTiers() {
		users, err := s.tierUsers(ctx, tier)
		if err != nil {
			return nil, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, userID := range users {
			g.Go(func() error {
				ua, err := s.analytics.GetAnalytics(gctx, userID, tier, false)
				if err != nil {
					return err
				}
				found := s.collect(ua, now)
				if len(found) == 0 {
					return nil
				}
				mu.Lock()
				alerts = append(alerts, found...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].UserID != alerts[j].UserID {
			return alerts[i].UserID < alerts[j].UserID
		}
		return alerts[i].LimitType < alerts[j].LimitType
	})
	s.metrics.RecordAlerts(len(alerts))
	return alerts, nil
}

// tierUsers lists the users of tier, including users without an entitlement
// when tier is the default tier
func (s *AlertScanner) tierUsers(ctx context.Context, tier string) ([]string, error) {
	users, err := s.users.ListUsersByTier(ctx, tier)
	if err != nil {
		return nil, storageError("list users by tier", err)
	}
	if tier != s.defaultTier {
		return users, nil
	}

	untiered, err := s.users.ListUsersWithoutEntitlement(ctx)
	if err != nil {
		return nil, storageError("list users without entitlement", err)
	}
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		seen[u] = true
	}
	for _, u := range untiered {
		if !seen[u] {
			seen[u] = true
			users = append(users, u)
		}
	}
	return users, nil
}

func (s *AlertScanner) collect(ua *UsageAnalytics, now time.Time) []UsageAlert {
	var out []UsageAlert
	for _, la := range ua.PerLimitType {
		if la.UsagePercentage <= s.threshold {
			continue
		}
		out = append(out, UsageAlert{
			ID:              uuid.NewString(),
			UserID:          ua.UserID,
			Tier:            ua.Tier,
			LimitType:       la.LimitType,
			UsagePercentage: la.UsagePercentage,
			Remaining:       la.Remaining,
			DaysUntilReset:  la.DaysUntilReset,
			DetectedAt:      now,
		})
	}
	return out
}

// Run scans every interval and hands the results to the configured sink
// until ctx is cancelled. Scan and publish failures are logged, not returned.
func (s *AlertScanner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scanAndPublish(ctx)
		}
	}
}

func (s *AlertScanner) scanAndPublish(ctx context.Context) {
	alerts, err := s.Scan(ctx)
	if err != nil {
		s.logger.Warn("usage alert scan failed", Field{"error", err.Error()})
		return
	}
	if len(alerts) == 0 || s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, alerts); err != nil {
		s.logger.Warn("failed to publish usage alerts",
			Field{"count", len(alerts)},
			Field{"error", err.Error()},
		)
		return
	}
	s.logger.Info("published usage alerts", Field{"count", len(alerts)})
}
