package usagemeter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
	"github.com/mihaimyh/usagemeter/storage/memory"
)

func TestNewManager(t *testing.T) {
	_, err := usagemeter.NewManager(nil, usagemeter.Config{})
	assert.ErrorIs(t, err, usagemeter.ErrValidation)

	_, err = usagemeter.NewManager(memory.New(), usagemeter.Config{DefaultTier: "gold"})
	assert.ErrorIs(t, err, usagemeter.ErrValidation)

	m, err := usagemeter.NewManager(memory.New(), usagemeter.Config{})
	require.NoError(t, err)
	assert.Equal(t, "free", m.Policies().MostRestrictive())
	assert.Equal(t, []string{"free"}, m.Policies().EntryLevelTiers())
}

func TestManager_PantryScanScenario(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for _, want := range []int{2, 1, 0} {
		d, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
		assert.Equal(t, "free", d.Tier)
	}

	d, err := env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, usagemeter.ReasonLimitExceeded, d.Reason)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 3, d.CurrentUsage)
	assert.Equal(t, 3, d.LimitValue)
	assert.True(t, d.ResetTime.Equal(testStart.Add(usagemeter.DefaultWindowDuration)))

	status, err := env.manager.GetUserUsageStatus(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, status.UnlimitedAccess)
	scan := status.PerLimitType[usagemeter.LimitTypeScan]
	require.NotNil(t, scan)
	assert.Equal(t, 100.0, scan.UsagePercentage)
	assert.True(t, scan.RecommendedUpgrade)
	assert.True(t, scan.LikelyToExceed)
	require.NotNil(t, status.Predictions)
	assert.True(t, status.Predictions.RecommendedUpgrade)
	assert.Equal(t, []usagemeter.LimitType{usagemeter.LimitTypeScan}, status.Predictions.NearLimit)
}

func TestManager_InclusiveBoundary(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	d, err := env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeUpload, usagemeter.WithIncrement(9))
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeUpload)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 10, d.CurrentUsage)
	assert.Equal(t, 0, d.Remaining)

	d, err = env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeUpload)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 10, env.record(t, "user1", usagemeter.LimitTypeUpload).CurrentUsage)
}

func TestManager_ConcurrentChecksNeverOvershoot(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	const callers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		allowed  int
		exceeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeUpload, usagemeter.WithoutBlocks())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if d.Allowed {
				allowed++
			} else if d.Reason == usagemeter.ReasonLimitExceeded {
				exceeded++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, callers-10, exceeded)
	assert.Equal(t, 10, env.record(t, "user1", usagemeter.LimitTypeUpload).CurrentUsage)
}

func TestManager_WindowResetIsIdempotent(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
	}

	env.clock.Advance(usagemeter.DefaultWindowDuration)
	resetAt := env.clock.Now()

	d, err := env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.WindowExpired)
	assert.Equal(t, 1, d.CurrentUsage)

	for want := 2; want <= 3; want++ {
		env.clock.Advance(time.Hour)
		d, err = env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.WindowExpired)
		assert.Equal(t, want, d.CurrentUsage)
	}

	rec := env.record(t, "user1", usagemeter.LimitTypeScan)
	assert.True(t, rec.WindowStart.Equal(resetAt))
}

func TestManager_BlockLifecycle(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
	}

	var last *usagemeter.Decision
	for i := 0; i < 3; i++ {
		d, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.Equal(t, usagemeter.ReasonLimitExceeded, d.Reason)
		last = d
	}
	require.NotNil(t, last.BlockedUntil)
	blockedUntil := testStart.Add(usagemeter.DefaultBlockDuration)
	assert.True(t, last.BlockedUntil.Equal(blockedUntil))

	rec := env.record(t, "user1", usagemeter.LimitTypeScan)
	assert.True(t, rec.IsBlocked)
	assert.Equal(t, 3, rec.ViolationCount)

	env.clock.Advance(23 * time.Hour)
	d, err := env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, usagemeter.ReasonTemporarilyBlocked, d.Reason)
	assert.True(t, d.ResetTime.Equal(blockedUntil))

	// a blocked check is not a violation
	assert.Equal(t, 3, env.record(t, "user1", usagemeter.LimitTypeScan).ViolationCount)

	// other limit types are unaffected
	d, err = env.manager.LogAIRecipeGeneration(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	env.clock.Advance(time.Hour)
	d, err = env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, usagemeter.ReasonLimitExceeded, d.Reason)
	assert.Nil(t, d.BlockedUntil)

	rec = env.record(t, "user1", usagemeter.LimitTypeScan)
	assert.False(t, rec.IsBlocked)
	assert.Nil(t, rec.BlockedUntil)
	assert.Equal(t, 1, rec.ViolationCount, "the post-expiry denial starts a new violation run")
}

func TestManager_WithoutBlocksIgnoresActiveBlock(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
	}
	require.True(t, env.record(t, "user1", usagemeter.LimitTypeScan).IsBlocked)

	d, err := env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeScan, usagemeter.WithoutBlocks())
	require.NoError(t, err)
	assert.Equal(t, usagemeter.ReasonLimitExceeded, d.Reason)
}

func TestManager_ViolationsOutsideRollingWindowDoNotBlock(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		d, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
		require.Equal(t, usagemeter.ReasonLimitExceeded, d.Reason)
		env.clock.Advance(25 * time.Hour)
	}

	rec := env.record(t, "user1", usagemeter.LimitTypeScan)
	assert.False(t, rec.IsBlocked)
	assert.Equal(t, 1, rec.ViolationCount)
}

func TestManager_Burst(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := env.manager.LogAIRecipeGeneration(ctx, "user1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeAIRecipe, usagemeter.WithoutBlocks())
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	for want := 6; want <= 7; want++ {
		d, err = env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeAIRecipe,
			usagemeter.WithBurst(), usagemeter.WithoutBlocks())
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, want, d.CurrentUsage)
		assert.Equal(t, 0, d.Remaining)
	}

	d, err = env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeAIRecipe,
		usagemeter.WithBurst(), usagemeter.WithoutBlocks())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestManager_UnlimitedTier(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	env.setTier(t, "vip", "premium")

	for _, lt := range usagemeter.LimitTypes() {
		for i := 0; i < 20; i++ {
			d, err := env.manager.CheckRateLimit(ctx, "vip", lt, usagemeter.WithIncrement(5))
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.True(t, d.UnlimitedAccess)
			assert.Equal(t, -1, d.Remaining)
		}
	}

	recs, err := env.store.ListRecords(ctx, "vip")
	require.NoError(t, err)
	assert.Empty(t, recs)

	status, err := env.manager.GetUserUsageStatus(ctx, "vip")
	require.NoError(t, err)
	assert.True(t, status.UnlimitedAccess)
	assert.Equal(t, "premium", status.Tier)

	api, err := env.manager.CheckAPIRateLimit(ctx, "vip", "/search")
	require.NoError(t, err)
	assert.True(t, api.Allowed)
	assert.True(t, api.UnlimitedAccess)
}

func TestManager_ValidationErrors(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	_, err := env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitType("video"))
	assert.ErrorIs(t, err, usagemeter.ErrValidation)

	_, err = env.manager.CheckRateLimit(ctx, "user1", usagemeter.LimitTypeScan, usagemeter.WithIncrement(0))
	assert.ErrorIs(t, err, usagemeter.ErrValidation)

	_, err = env.manager.CheckRateLimit(ctx, "", usagemeter.LimitTypeScan)
	assert.ErrorIs(t, err, usagemeter.ErrValidation)

	_, err = env.manager.CheckAPIRateLimit(ctx, "user1", "")
	assert.ErrorIs(t, err, usagemeter.ErrValidation)

	err = env.manager.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user1"})
	assert.ErrorIs(t, err, usagemeter.ErrValidation)
}

func TestManager_UnknownTierFallsBackToMostRestrictive(t *testing.T) {
	env := newTestManager(t)
	ctx := usagemeter.ContextWithTier(context.Background(), "gold")

	d, err := env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "free", d.Tier)
	assert.Equal(t, 3, d.LimitValue)
}

func TestManager_ContextTierOverridesEntitlement(t *testing.T) {
	env := newTestManager(t)
	env.setTier(t, "user1", "free")
	ctx := usagemeter.ContextWithTier(context.Background(), "plus")

	d, err := env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "plus", d.Tier)
	assert.Equal(t, 50, d.LimitValue)
}

func TestManager_TierUpgradeAppliesAtNextReset(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	env.setTier(t, "user1", "free")

	for i := 0; i < 3; i++ {
		_, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
	}

	env.setTier(t, "user1", "plus")

	// the open window keeps the limits it was created with
	d, err := env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, usagemeter.ReasonLimitExceeded, d.Reason)
	assert.Equal(t, "plus", d.Tier)
	assert.Equal(t, 3, d.LimitValue)
	assert.Equal(t, 3, env.record(t, "user1", usagemeter.LimitTypeScan).LimitValue)

	env.clock.Advance(usagemeter.DefaultWindowDuration)

	d, err = env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.WindowExpired)
	assert.Equal(t, 1, d.CurrentUsage)
	assert.Equal(t, 50, d.LimitValue)
	assert.Equal(t, 49, d.Remaining)
	assert.Equal(t, 50, env.record(t, "user1", usagemeter.LimitTypeScan).LimitValue)
}

func TestManager_TierDowngradeKeepsRecordWithinLimit(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	env.setTier(t, "user1", "plus")

	for i := 0; i < 40; i++ {
		d, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	env.setTier(t, "user1", "free")

	d, err := env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "free", d.Tier)
	assert.Equal(t, 41, d.CurrentUsage)
	assert.Equal(t, 50, d.LimitValue)

	rec := env.record(t, "user1", usagemeter.LimitTypeScan)
	assert.Equal(t, 50, rec.LimitValue)
	assert.False(t, rec.IsBlocked)
	assert.LessOrEqual(t, rec.CurrentUsage, rec.LimitValue)

	status, err := env.manager.GetUserUsageStatus(ctx, "user1")
	require.NoError(t, err)
	scan := status.PerLimitType[usagemeter.LimitTypeScan]
	require.NotNil(t, scan)
	assert.Equal(t, 50, scan.LimitValue)
	assert.Equal(t, 82.0, scan.UsagePercentage)

	env.clock.Advance(usagemeter.DefaultWindowDuration)

	for i := 0; i < 3; i++ {
		d, err = env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err = env.manager.LogPantryScan(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.LimitValue)
}

func TestManager_TierSourceFunc(t *testing.T) {
	calls := 0
	env := newTestManager(t, func(c *usagemeter.Config) {
		c.TierSource = usagemeter.TierSourceFunc(func(_ context.Context, userID string) (*usagemeter.Entitlement, error) {
			calls++
			if userID == "known" {
				return &usagemeter.Entitlement{UserID: userID, Tier: "plus"}, nil
			}
			return nil, usagemeter.ErrEntitlementNotFound
		})
	})
	ctx := context.Background()

	tier, err := env.manager.TierFor(ctx, "known")
	require.NoError(t, err)
	assert.Equal(t, "plus", tier)

	tier, err = env.manager.TierFor(ctx, "stranger")
	require.NoError(t, err)
	assert.Equal(t, "free", tier)
	assert.Equal(t, 2, calls)
}

func TestManager_TierLookupSurvivesCancelledCaller(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	env := newTestManager(t, func(c *usagemeter.Config) {
		c.TierSource = usagemeter.TierSourceFunc(func(ctx context.Context, userID string) (*usagemeter.Entitlement, error) {
			entered <- struct{}{}
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &usagemeter.Entitlement{UserID: userID, Tier: "plus"}, nil
		})
	})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.manager.TierFor(first, "user1")
		firstErr <- err
	}()
	<-entered

	type result struct {
		tier string
		err  error
	}
	second := make(chan result, 1)
	go func() {
		tier, err := env.manager.TierFor(context.Background(), "user1")
		second <- result{tier, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "plus", res.tier)
}

func TestManager_TierCache(t *testing.T) {
	env := newTestManager(t, func(c *usagemeter.Config) {
		c.TierCache = usagemeter.CacheConfig{Enabled: true, TTL: time.Minute}
	})
	ctx := context.Background()
	require.NoError(t, env.store.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user1", Tier: "free"}))

	tier, err := env.manager.TierFor(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "free", tier)

	// writes behind the manager's back are served stale until the TTL expires
	require.NoError(t, env.store.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user1", Tier: "plus"}))
	tier, err = env.manager.TierFor(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "free", tier)

	env.clock.Advance(time.Minute)
	tier, err = env.manager.TierFor(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "plus", tier)

	// SetEntitlement through the manager invalidates immediately
	env.setTier(t, "user1", "premium")
	tier, err = env.manager.TierFor(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "premium", tier)
}

type failingStore struct {
	*memory.Storage
	err   error
	mu    sync.Mutex
	calls int
}

func (f *failingStore) GetOrCreate(context.Context, *usagemeter.QuotaRecord) (*usagemeter.QuotaRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, f.err
}

func (f *failingStore) ConditionalIncrement(context.Context, string, usagemeter.LimitType, int, int, time.Time) (bool, *usagemeter.QuotaRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return false, nil, f.err
}

func TestManager_StorageFailureIsNotADecision(t *testing.T) {
	cause := errors.New("connection refused")
	store := &failingStore{Storage: memory.New(), err: cause}
	m, err := usagemeter.NewManager(store, usagemeter.Config{Clock: newFakeClock()})
	require.NoError(t, err)

	d, err := m.LogPantryScan(context.Background(), "user1")
	assert.Nil(t, d)
	assert.ErrorIs(t, err, usagemeter.ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestManager_ContextDeadlineIsStorageUnavailable(t *testing.T) {
	env := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := env.manager.LogPantryScan(usagemeter.ContextWithTier(ctx, "free"), "user1")
	assert.ErrorIs(t, err, usagemeter.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_CircuitBreakerOpens(t *testing.T) {
	clock := newFakeClock()
	store := &failingStore{Storage: memory.New(), err: errors.New("i/o timeout")}
	m, err := usagemeter.NewManager(store, usagemeter.Config{
		Clock:          clock,
		CircuitBreaker: usagemeter.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Minute},
	})
	require.NoError(t, err)
	ctx := usagemeter.ContextWithTier(context.Background(), "free")

	for i := 0; i < 2; i++ {
		_, err := m.LogPantryScan(ctx, "user1")
		require.ErrorIs(t, err, usagemeter.ErrStorageUnavailable)
	}
	assert.Equal(t, usagemeter.StateOpen, m.CircuitBreakerState())

	_, err = m.LogPantryScan(ctx, "user1")
	assert.ErrorIs(t, err, usagemeter.ErrCircuitOpen)
	assert.ErrorIs(t, err, usagemeter.ErrStorageUnavailable)
	assert.Equal(t, 2, store.calls)

	clock.Advance(time.Minute)
	assert.Equal(t, usagemeter.StateHalfOpen, m.CircuitBreakerState())
}

func TestManager_APIRateLimitScenario(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if i > 0 {
			env.clock.Advance(time.Second)
		}
		d, err := env.manager.CheckAPIRateLimit(ctx, "user1", "/search")
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, i+1, d.CurrentRequests)
		assert.Equal(t, 29-i, d.Remaining)
		assert.Equal(t, 30, d.Limit)
	}

	env.clock.Advance(time.Second) // 30s after the first call
	d, err := env.manager.CheckAPIRateLimit(ctx, "user1", "/search")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30, d.CurrentRequests)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 30, d.RetryAfterSeconds)
	assert.Less(t, d.RetryAfterSeconds, 60)

	// another endpoint has its own window
	d, err = env.manager.CheckAPIRateLimit(ctx, "user1", "/export")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// the first call slides out one second after the minute has passed
	env.clock.Advance(31 * time.Second)
	d, err = env.manager.CheckAPIRateLimit(ctx, "user1", "/search")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 30, d.CurrentRequests)

	d, err = env.manager.CheckAPIRateLimit(ctx, "user1", "/search")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.RetryAfterSeconds)
}

func TestManager_APIRateLimitSubSecondBurst(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	var d *usagemeter.APIDecision
	for i := 0; i < 31; i++ {
		if i > 0 {
			env.clock.Advance(10 * time.Millisecond)
		}
		var err error
		d, err = env.manager.CheckAPIRateLimit(ctx, "user1", "/search")
		require.NoError(t, err)
	}

	assert.False(t, d.Allowed)
	assert.Equal(t, 59, d.RetryAfterSeconds)
	assert.Less(t, d.RetryAfterSeconds, 60)
	assert.Equal(t, 59*time.Second, d.RetryAfter)
}

func TestManager_APIRateLimitCustomWindow(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	d, err := env.manager.CheckAPIRateLimit(ctx, "user1", "/search", usagemeter.WithWindow(time.Hour))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 500, d.Limit)
	assert.Equal(t, time.Hour, d.Window)
}

func TestManager_GetUsageAnalyticsIsReadOnly(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.manager.LogPantryScan(ctx, "user1")
		require.NoError(t, err)
	}

	ua, err := env.manager.GetUsageAnalytics(ctx, "user1", false)
	require.NoError(t, err)
	scan := ua.PerLimitType[usagemeter.LimitTypeScan]
	require.NotNil(t, scan)
	assert.Equal(t, 66.67, scan.UsagePercentage)
	assert.Equal(t, 1, scan.Remaining)
	assert.Equal(t, 30, scan.DaysUntilReset)
	assert.Nil(t, ua.Predictions)
	assert.False(t, scan.RecommendedUpgrade)

	env.clock.Advance(31 * 24 * time.Hour)
	ua, err = env.manager.GetUsageAnalytics(ctx, "user1", true)
	require.NoError(t, err)
	scan = ua.PerLimitType[usagemeter.LimitTypeScan]
	assert.True(t, scan.WindowExpired)
	assert.Equal(t, 0, scan.CurrentUsage)
	assert.Equal(t, 0.0, scan.UsagePercentage)
	assert.Equal(t, 3, scan.Remaining)
	assert.False(t, ua.Predictions.LikelyToExceed)

	assert.Equal(t, 2, env.record(t, "user1", usagemeter.LimitTypeScan).CurrentUsage)
}

func TestManager_Ping(t *testing.T) {
	env := newTestManager(t)
	assert.NoError(t, env.manager.Ping(context.Background()))
}
