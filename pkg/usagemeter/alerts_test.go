package usagemeter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

func seedAlertUsers(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()

	env.setTier(t, "heavy", "free")
	env.setTier(t, "light", "free")
	env.setTier(t, "idle", "free")
	env.setTier(t, "paying", "plus")

	for i := 0; i < 3; i++ {
		_, err := env.manager.LogPantryScan(ctx, "heavy")
		require.NoError(t, err)
	}
	_, err := env.manager.CheckRateLimit(ctx, "heavy", usagemeter.LimitTypeAIRecipe, usagemeter.WithIncrement(4))
	require.NoError(t, err)
	_, err = env.manager.LogPantryScan(ctx, "light")
	require.NoError(t, err)
	_, err = env.manager.CheckRateLimit(ctx, "paying", usagemeter.LimitTypeScan, usagemeter.WithIncrement(50))
	require.NoError(t, err)
}

func TestAlertScanner_Scan(t *testing.T) {
	env := newTestManager(t)
	seedAlertUsers(t, env)

	alerts, err := env.manager.AlertScanner().Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1, "ai_recipe at exactly 80 percent is not above the threshold")

	a := alerts[0]
	assert.Equal(t, "heavy", a.UserID)
	assert.Equal(t, "free", a.Tier)
	assert.Equal(t, usagemeter.LimitTypeScan, a.LimitType)
	assert.Equal(t, 100.0, a.UsagePercentage)
	assert.Equal(t, 0, a.Remaining)
	assert.NotEmpty(t, a.ID)
	assert.True(t, a.DetectedAt.Equal(env.clock.Now()))
}

func TestAlertScanner_IncludesUsersWithoutEntitlement(t *testing.T) {
	env := newTestManager(t)
	seedAlertUsers(t, env)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.manager.LogPantryScan(ctx, "nobody")
		require.NoError(t, err)
	}

	alerts, err := env.manager.AlertScanner().Scan(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "heavy", alerts[0].UserID)
	assert.Equal(t, "nobody", alerts[1].UserID)
	assert.Equal(t, "free", alerts[1].Tier)
	assert.Equal(t, usagemeter.LimitTypeScan, alerts[1].LimitType)
	assert.Equal(t, 100.0, alerts[1].UsagePercentage)
}

func TestAlertScanner_NonEntryDefaultTierSkipsUntieredUsers(t *testing.T) {
	env := newTestManager(t, func(c *usagemeter.Config) {
		c.DefaultTier = "plus"
	})
	ctx := context.Background()

	_, err := env.manager.CheckRateLimit(ctx, "nobody", usagemeter.LimitTypeScan, usagemeter.WithIncrement(50))
	require.NoError(t, err)

	alerts, err := env.manager.AlertScanner().Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestAlertScanner_CustomThreshold(t *testing.T) {
	env := newTestManager(t, func(c *usagemeter.Config) {
		c.Alerts.Threshold = 30
	})
	seedAlertUsers(t, env)

	alerts, err := env.manager.AlertScanner().Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, "heavy", alerts[0].UserID)
	assert.Equal(t, usagemeter.LimitTypeAIRecipe, alerts[0].LimitType)
	assert.Equal(t, "heavy", alerts[1].UserID)
	assert.Equal(t, usagemeter.LimitTypeScan, alerts[1].LimitType)
	assert.Equal(t, "light", alerts[2].UserID)
}

func TestAlertScanner_DoesNotWrite(t *testing.T) {
	env := newTestManager(t)
	seedAlertUsers(t, env)
	env.clock.Advance(31 * 24 * time.Hour)

	alerts, err := env.manager.AlertScanner().Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, 3, env.record(t, "heavy", usagemeter.LimitTypeScan).CurrentUsage)
}

func TestAlertScanner_RunPublishes(t *testing.T) {
	published := make(chan []usagemeter.UsageAlert, 1)
	env := newTestManager(t, func(c *usagemeter.Config) {
		c.Alerts.Sink = usagemeter.AlertSinkFunc(func(_ context.Context, alerts []usagemeter.UsageAlert) error {
			select {
			case published <- alerts:
			default:
			}
			return nil
		})
	})
	seedAlertUsers(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.manager.AlertScanner().Run(ctx, 10*time.Millisecond) }()

	select {
	case alerts := <-published:
		assert.Len(t, alerts, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no alerts published")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestAlertScanner_ListFailure(t *testing.T) {
	env := newTestManager(t)
	lister := usagemeter.NewAlertScanner(
		usagemeter.NewAnalyticsEngine(env.store, env.manager.Policies(), env.clock),
		listerFunc(func(context.Context, string) ([]string, error) { return nil, errors.New("down") }),
		env.manager.Policies(),
		usagemeter.AlertScannerConfig{},
		env.clock, nil, nil,
	)

	_, err := lister.Scan(context.Background())
	assert.ErrorIs(t, err, usagemeter.ErrStorageUnavailable)
}

type listerFunc func(ctx context.Context, tier string) ([]string, error)

func (f listerFunc) ListUsersByTier(ctx context.Context, tier string) ([]string, error) {
	return f(ctx, tier)
}

func (f listerFunc) ListUsersWithoutEntitlement(ctx context.Context) ([]string, error) {
	return f(ctx, "")
}

func TestPruner(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.manager.CheckAPIRateLimit(ctx, "user1", "/search")
		require.NoError(t, err)
	}

	pruner := env.manager.Pruner()
	assert.Equal(t, 24*time.Hour, pruner.Retention())

	n, err := pruner.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(24*time.Hour + time.Second)
	n, err = pruner.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
