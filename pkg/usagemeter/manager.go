package usagemeter

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config holds the Manager configuration
type Config struct {
	// Tiers is the policy table (default: DefaultTiers())
	Tiers map[string]TierPolicy

	// DefaultTier is used for users without an entitlement (default: "free")
	DefaultTier string

	// TierSource resolves tiers for callers that do not attach one with
	// ContextWithTier (default: the storage entitlement table)
	TierSource TierSource

	// TierCache configures caching of resolved tiers
	TierCache CacheConfig

	// CircuitBreaker configures the breaker around storage
	CircuitBreaker CircuitBreakerConfig

	// Alerts configures the AlertScanner
	Alerts AlertScannerConfig

	// PruneRetention is the activity log retention (default: the largest
	// configured rate window, at least one minute)
	PruneRetention time.Duration

	Clock   Clock
	Logger  Logger
	Metrics Metrics
}

// CheckOption customizes a CheckRateLimit call
type CheckOption func(*CheckRequest)

// WithIncrement consumes n units instead of 1
func WithIncrement(n int) CheckOption {
	return func(r *CheckRequest) { r.Increment = n }
}

// WithoutBlocks ignores active violation blocks for this call
func WithoutBlocks() CheckOption {
	return func(r *CheckRequest) { r.RespectBlocks = false }
}

// WithBurst lets this call consume up to the tier's burst limit
func WithBurst() CheckOption {
	return func(r *CheckRequest) { r.UseBurst = true }
}

// APICheckOption customizes a CheckAPIRateLimit call
type APICheckOption func(*APICheckRequest)

// WithWindow sets the sliding window length (default: one minute)
func WithWindow(d time.Duration) APICheckOption {
	return func(r *APICheckRequest) { r.Window = d }
}

// Manager is the entry point used by feature code and HTTP layers
type Manager struct {
	storage    *GuardedStorage
	breaker    CircuitBreaker
	policies   *PolicyResolver
	limiter    *RateLimiter
	apiLimiter *APILimiter
	analytics  *AnalyticsEngine
	alerts     *AlertScanner
	pruner     *Pruner

	tierSource TierSource
	tierCache  TierCache
	cacheTTL   time.Duration
	lookups    singleflight.Group

	config Config
}

// NewManager creates a new Manager over storage with the given configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, validationErrorf("storage is required")
	}

	if config.Tiers == nil {
		config.Tiers = DefaultTiers()
	}
	if config.DefaultTier == "" {
		config.DefaultTier = "free"
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.TierCache.TTL <= 0 {
		config.TierCache.TTL = time.Minute
	}

	policies, err := NewPolicyResolver(config.Tiers, config.Logger)
	if err != nil {
		return nil, err
	}
	if _, err := policies.Tier(config.DefaultTier); err != nil {
		return nil, validationErrorf("default tier %q is not configured", config.DefaultTier)
	}

	m := &Manager{
		policies: policies,
		cacheTTL: config.TierCache.TTL,
		config:   config,
	}

	if config.CircuitBreaker.Enabled {
		logger, metrics := config.Logger, config.Metrics
		m.breaker = NewDefaultCircuitBreaker(config.CircuitBreaker, config.Clock, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("storage circuit breaker state changed", Field{"state", string(state)})
		})
	}
	m.storage = NewGuardedStorage(storage, m.breaker, config.Metrics)

	m.tierSource = config.TierSource
	if m.tierSource == nil {
		m.tierSource = m.storage
	}
	if config.TierCache.Enabled {
		m.tierCache = NewLRUTierCache(config.TierCache.MaxEntries, config.Clock)
	} else {
		m.tierCache = NoopTierCache{}
	}

	retention := config.PruneRetention
	if retention <= 0 {
		retention = policies.MaxRateWindow()
	}

	m.limiter = NewRateLimiter(m.storage, policies, config.Clock, config.Logger, config.Metrics)
	m.apiLimiter = NewAPILimiter(m.storage, policies, config.Clock, config.Metrics)
	m.analytics = NewAnalyticsEngine(m.storage, policies, config.Clock)
	alertsConfig := config.Alerts
	alertsConfig.DefaultTier = config.DefaultTier
	m.alerts = NewAlertScanner(m.analytics, m.storage, policies, alertsConfig, config.Clock, config.Logger, config.Metrics)
	m.pruner = NewPruner(m.storage, retention, config.Clock, config.Logger)

	return m, nil
}

// CheckRateLimit consumes quota for limitType when the user is within limits.
// By default it consumes 1 unit, honours active blocks and ignores burst.
func (m *Manager) CheckRateLimit(ctx context.Context, userID string, limitType LimitType, opts ...CheckOption) (*Decision, error) {
	req := CheckRequest{
		UserID:        userID,
		LimitType:     limitType,
		Increment:     1,
		RespectBlocks: true,
	}
	for _, opt := range opts {
		opt(&req)
	}

	tier, err := m.TierFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	req.Tier = tier
	return m.limiter.Check(ctx, req)
}

// CheckAPIRateLimit applies the sliding-window ceiling for endpoint
func (m *Manager) CheckAPIRateLimit(ctx context.Context, userID, endpoint string, opts ...APICheckOption) (*APIDecision, error) {
	req := APICheckRequest{
		UserID:   userID,
		Endpoint: endpoint,
		Window:   DefaultAPIWindow,
	}
	for _, opt := range opts {
		opt(&req)
	}

	tier, err := m.TierFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	req.Tier = tier
	return m.apiLimiter.Check(ctx, req)
}

// GetUsageAnalytics returns per-limit-type usage, with predictions when requested
func (m *Manager) GetUsageAnalytics(ctx context.Context, userID string, includePredictions bool) (*UsageAnalytics, error) {
	tier, err := m.TierFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.analytics.GetAnalytics(ctx, userID, tier, includePredictions)
}

// LogAIRecipeGeneration consumes one AI recipe generation
func (m *Manager) LogAIRecipeGeneration(ctx context.Context, userID string) (*Decision, error) {
	return m.CheckRateLimit(ctx, userID, LimitTypeAIRecipe)
}

// LogPantryScan consumes one pantry scan
func (m *Manager) LogPantryScan(ctx context.Context, userID string) (*Decision, error) {
	return m.CheckRateLimit(ctx, userID, LimitTypeScan)
}

// GetUserUsageStatus returns the user's analytics including predictions
func (m *Manager) GetUserUsageStatus(ctx context.Context, userID string) (*UsageAnalytics, error) {
	return m.GetUsageAnalytics(ctx, userID, true)
}

// SetEntitlement stores a user's tier and drops the cached value
func (m *Manager) SetEntitlement(ctx context.Context, ent *Entitlement) error {
	if ent == nil || strings.TrimSpace(ent.UserID) == "" {
		return validationErrorf("entitlement user id is required")
	}
	if strings.TrimSpace(ent.Tier) == "" {
		return validationErrorf("entitlement tier is required")
	}
	if ent.UpdatedAt.IsZero() {
		ent.UpdatedAt = m.config.Clock.Now()
	}
	if err := m.storage.SetEntitlement(ctx, ent); err != nil {
		return storageError("set entitlement", err)
	}
	m.tierCache.Invalidate(ent.UserID)
	return nil
}

// TierFor returns the tier to meter userID against. A tier attached with
// ContextWithTier wins; otherwise the TierSource is consulted through the cache,
// and users without an entitlement get DefaultTier.
func (m *Manager) TierFor(ctx context.Context, userID string) (string, error) {
	if tier, ok := TierFromContext(ctx); ok {
		return tier, nil
	}
	if strings.TrimSpace(userID) == "" {
		return "", validationErrorf("user id is required")
	}

	if tier, ok := m.tierCache.Get(userID); ok {
		m.config.Metrics.RecordCacheHit("tier")
		return tier, nil
	}
	m.config.Metrics.RecordCacheMiss("tier")

	// The shared lookup ignores caller cancellation. Each caller stops
	// waiting when its own ctx is done.
	lookupCtx := context.WithoutCancel(ctx)
	ch := m.lookups.DoChan(userID, func() (interface{}, error) {
		ent, err := m.tierSource.GetEntitlement(lookupCtx, userID)
		switch {
		case errors.Is(err, ErrEntitlementNotFound):
			return m.config.DefaultTier, nil
		case err != nil:
			return "", storageError("get entitlement", err)
		case ent == nil || ent.Tier == "":
			return m.config.DefaultTier, nil
		}
		return ent.Tier, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return "", res.Err
	}

	tier := res.Val.(string)
	m.tierCache.Set(userID, tier, m.cacheTTL)
	return tier, nil
}

// Ping checks storage connectivity
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.storage.Ping(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// Policies returns the policy resolver
func (m *Manager) Policies() *PolicyResolver { return m.policies }

// AlertScanner returns the scanner over entry-level users
func (m *Manager) AlertScanner() *AlertScanner { return m.alerts }

// Pruner returns the activity log pruner
func (m *Manager) Pruner() *Pruner { return m.pruner }

// CircuitBreakerState returns the breaker state, or StateClosed when disabled
func (m *Manager) CircuitBreakerState() CircuitBreakerState {
	if m.breaker == nil {
		return StateClosed
	}
	return m.breaker.State()
}
