package usagemeter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
	"github.com/mihaimyh/usagemeter/storage/memory"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	manager *usagemeter.Manager
	store   *memory.Storage
	clock   *fakeClock
}

// newTestManager builds a Manager over in-memory storage with the default tiers
func newTestManager(t *testing.T, configure ...func(*usagemeter.Config)) *testEnv {
	t.Helper()

	store := memory.New()
	clock := newFakeClock()
	config := usagemeter.Config{
		Tiers: usagemeter.DefaultTiers(),
		Clock: clock,
	}
	for _, fn := range configure {
		fn(&config)
	}

	manager, err := usagemeter.NewManager(store, config)
	require.NoError(t, err)
	return &testEnv{manager: manager, store: store, clock: clock}
}

func (e *testEnv) setTier(t *testing.T, userID, tier string) {
	t.Helper()
	require.NoError(t, e.manager.SetEntitlement(context.Background(), &usagemeter.Entitlement{
		UserID: userID,
		Tier:   tier,
	}))
}

func (e *testEnv) record(t *testing.T, userID string, lt usagemeter.LimitType) *usagemeter.QuotaRecord {
	t.Helper()
	recs, err := e.store.ListRecords(context.Background(), userID)
	require.NoError(t, err)
	for _, r := range recs {
		if r.LimitType == lt {
			return r
		}
	}
	return nil
}
