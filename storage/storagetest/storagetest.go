// Package storagetest provides a behavioural test suite shared by every
// usagemeter.Storage backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Base is the reference time used by the suite. It has no sub-microsecond
// component so backends with microsecond precision round-trip it exactly.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Factory returns an empty store for one subtest
type Factory func(t *testing.T) usagemeter.Storage

// Run executes the suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("GetOrCreate", func(t *testing.T) { testGetOrCreate(t, newStore(t)) })
	t.Run("ConditionalIncrement", func(t *testing.T) { testConditionalIncrement(t, newStore(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, newStore(t)) })
	t.Run("Mutate", func(t *testing.T) { testMutate(t, newStore(t)) })
	t.Run("ListRecords", func(t *testing.T) { testListRecords(t, newStore(t)) })
	t.Run("ActivityLog", func(t *testing.T) { testActivityLog(t, newStore(t)) })
	t.Run("ConcurrentActivity", func(t *testing.T) { testConcurrentActivity(t, newStore(t)) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, newStore(t)) })
	t.Run("Entitlements", func(t *testing.T) { testEntitlements(t, newStore(t)) })
	t.Run("UsersWithoutEntitlement", func(t *testing.T) { testUsersWithoutEntitlement(t, newStore(t)) })
}

// Seed returns a fresh record for userID
func Seed(userID string, limitType usagemeter.LimitType, limit int) *usagemeter.QuotaRecord {
	return &usagemeter.QuotaRecord{
		UserID:         userID,
		LimitType:      limitType,
		LimitValue:     limit,
		BurstLimit:     limit + 2,
		WindowStart:    Base,
		WindowDuration: 30 * 24 * time.Hour,
		CreatedAt:      Base,
		UpdatedAt:      Base,
	}
}

func testGetOrCreate(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	rec, err := s.GetOrCreate(ctx, Seed("user1", usagemeter.LimitTypeScan, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.CurrentUsage)
	assert.Equal(t, 3, rec.LimitValue)
	assert.Equal(t, 5, rec.BurstLimit)
	assert.True(t, rec.WindowStart.Equal(Base))
	assert.Equal(t, 30*24*time.Hour, rec.WindowDuration)

	// second seed must not overwrite the stored record
	again, err := s.GetOrCreate(ctx, Seed("user1", usagemeter.LimitTypeScan, 99))
	require.NoError(t, err)
	assert.Equal(t, 3, again.LimitValue)
}

func testConditionalIncrement(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	_, _, err := s.ConditionalIncrement(ctx, "missing", usagemeter.LimitTypeScan, 1, 3, Base)
	assert.ErrorIs(t, err, usagemeter.ErrRecordNotFound)

	_, err = s.GetOrCreate(ctx, Seed("user1", usagemeter.LimitTypeScan, 3))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		ok, rec, err := s.ConditionalIncrement(ctx, "user1", usagemeter.LimitTypeScan, 1, 3, Base.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok, "increment %d should land within the inclusive limit", i)
		assert.Equal(t, i, rec.CurrentUsage)
	}

	ok, rec, err := s.ConditionalIncrement(ctx, "user1", usagemeter.LimitTypeScan, 1, 3, Base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.CurrentUsage)

	// a larger delta is checked as a whole
	_, err = s.GetOrCreate(ctx, Seed("user2", usagemeter.LimitTypeScan, 3))
	require.NoError(t, err)
	ok, _, err = s.ConditionalIncrement(ctx, "user2", usagemeter.LimitTypeScan, 4, 3, Base)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, rec, err = s.ConditionalIncrement(ctx, "user2", usagemeter.LimitTypeScan, 3, 3, Base)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, rec.CurrentUsage)
}

func testConcurrentIncrement(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, Seed("user1", usagemeter.LimitTypeAIRecipe, 10))
	require.NoError(t, err)

	const workers = 40
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		errs    = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := s.ConditionalIncrement(ctx, "user1", usagemeter.LimitTypeAIRecipe, 1, 10, Base)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(10), granted.Load())
	recs, err := s.ListRecords(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 10, recs[0].CurrentUsage)
}

func testMutate(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	_, err := s.Mutate(ctx, "missing", usagemeter.LimitTypeScan, func(*usagemeter.QuotaRecord) error { return nil })
	assert.ErrorIs(t, err, usagemeter.ErrRecordNotFound)

	_, err = s.GetOrCreate(ctx, Seed("user1", usagemeter.LimitTypeScan, 3))
	require.NoError(t, err)

	violation := Base.Add(time.Hour)
	until := Base.Add(25 * time.Hour)
	rec, err := s.Mutate(ctx, "user1", usagemeter.LimitTypeScan, func(r *usagemeter.QuotaRecord) error {
		r.CurrentUsage = 2
		r.ViolationCount = 3
		r.LastViolationAt = &violation
		r.IsBlocked = true
		r.BlockedUntil = &until
		r.UpdatedAt = violation
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CurrentUsage)

	// ErrNoChange returns the stored state untouched
	rec, err = s.Mutate(ctx, "user1", usagemeter.LimitTypeScan, func(r *usagemeter.QuotaRecord) error {
		r.CurrentUsage = 100
		return usagemeter.ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CurrentUsage)

	recs, err := s.ListRecords(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, 2, got.CurrentUsage)
	assert.Equal(t, 3, got.ViolationCount)
	assert.True(t, got.IsBlocked)
	require.NotNil(t, got.BlockedUntil)
	assert.True(t, got.BlockedUntil.Equal(until), "blockedUntil %v != %v", got.BlockedUntil, until)
	require.NotNil(t, got.LastViolationAt)
	assert.True(t, got.LastViolationAt.Equal(violation))

	// clearing optional fields round-trips as nil
	_, err = s.Mutate(ctx, "user1", usagemeter.LimitTypeScan, func(r *usagemeter.QuotaRecord) error {
		r.IsBlocked = false
		r.BlockedUntil = nil
		r.LastViolationAt = nil
		r.ViolationCount = 0
		return nil
	})
	require.NoError(t, err)
	recs, err = s.ListRecords(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, recs[0].IsBlocked)
	assert.Nil(t, recs[0].BlockedUntil)
	assert.Nil(t, recs[0].LastViolationAt)

	// callback errors abort without writing
	boom := fmt.Errorf("boom")
	_, err = s.Mutate(ctx, "user1", usagemeter.LimitTypeScan, func(r *usagemeter.QuotaRecord) error {
		r.CurrentUsage = 50
		return boom
	})
	assert.ErrorIs(t, err, boom)
	recs, err = s.ListRecords(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 2, recs[0].CurrentUsage)
}

func testListRecords(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	recs, err := s.ListRecords(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, recs)

	for _, lt := range []usagemeter.LimitType{usagemeter.LimitTypeUpload, usagemeter.LimitTypeScan, usagemeter.LimitTypeAPICall} {
		_, err := s.GetOrCreate(ctx, Seed("user1", lt, 5))
		require.NoError(t, err)
	}
	_, err = s.GetOrCreate(ctx, Seed("user2", usagemeter.LimitTypeScan, 5))
	require.NoError(t, err)

	recs, err = s.ListRecords(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, usagemeter.LimitTypeAPICall, recs[0].LimitType)
	assert.Equal(t, usagemeter.LimitTypeScan, recs[1].LimitType)
	assert.Equal(t, usagemeter.LimitTypeUpload, recs[2].LimitType)
}

func entry(id, userID, endpoint string, at time.Time) *usagemeter.ActivityLogEntry {
	return &usagemeter.ActivityLogEntry{ID: id, UserID: userID, Endpoint: endpoint, Timestamp: at}
}

func testActivityLog(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()
	window := time.Minute

	for i := 0; i < 3; i++ {
		at := Base.Add(time.Duration(i) * time.Second)
		w, err := s.Record(ctx, entry(fmt.Sprintf("e%d", i), "user1", "/search", at), at.Add(-window), 3)
		require.NoError(t, err)
		assert.True(t, w.Recorded)
		assert.Equal(t, i, w.Count)
	}

	at := Base.Add(10 * time.Second)
	w, err := s.Record(ctx, entry("e3", "user1", "/search", at), at.Add(-window), 3)
	require.NoError(t, err)
	assert.False(t, w.Recorded)
	assert.Equal(t, 3, w.Count)
	assert.True(t, w.Oldest.Equal(Base), "oldest %v", w.Oldest)

	// other endpoints and users are independent
	w, err = s.Record(ctx, entry("e4", "user1", "/export", at), at.Add(-window), 3)
	require.NoError(t, err)
	assert.True(t, w.Recorded)
	assert.Equal(t, 0, w.Count)
	w, err = s.Record(ctx, entry("e5", "user2", "/search", at), at.Add(-window), 3)
	require.NoError(t, err)
	assert.True(t, w.Recorded)

	// once the oldest entry slides out a slot opens
	at = Base.Add(window + 500*time.Millisecond)
	w, err = s.Record(ctx, entry("e6", "user1", "/search", at), at.Add(-window), 3)
	require.NoError(t, err)
	assert.True(t, w.Recorded)
	assert.Equal(t, 2, w.Count)

	// no ceiling always records
	w, err = s.Record(ctx, entry("e7", "user1", "/search", at), at.Add(-window), 0)
	require.NoError(t, err)
	assert.True(t, w.Recorded)
	assert.Equal(t, 3, w.Count)
}

func testConcurrentActivity(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	const workers = 20
	var (
		wg       sync.WaitGroup
		recorded atomic.Int32
		errs     = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := Base.Add(time.Duration(i) * time.Millisecond)
			w, err := s.Record(ctx, entry(fmt.Sprintf("c%d", i), "user1", "/search", at), Base.Add(-time.Minute), 5)
			if err != nil {
				errs <- err
				return
			}
			if w.Recorded {
				recorded.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), recorded.Load())
}

func testPrune(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		at := Base.Add(time.Duration(i) * time.Minute)
		_, err := s.Record(ctx, entry(fmt.Sprintf("p%d", i), "user1", "/search", at), at, 0)
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, Base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Prune(ctx, Base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	w, err := s.Record(ctx, entry("p9", "user1", "/search", Base.Add(5*time.Minute)), Base, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Count)
}

func testEntitlements(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	_, err := s.GetEntitlement(ctx, "user1")
	assert.ErrorIs(t, err, usagemeter.ErrEntitlementNotFound)

	require.NoError(t, s.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user1", Tier: "free", UpdatedAt: Base}))
	require.NoError(t, s.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user2", Tier: "free", UpdatedAt: Base}))
	require.NoError(t, s.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user3", Tier: "premium", UpdatedAt: Base}))

	ent, err := s.GetEntitlement(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "free", ent.Tier)

	// replacing moves the user between tiers
	require.NoError(t, s.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user2", Tier: "plus", UpdatedAt: Base}))

	users, err := s.ListUsersByTier(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, []string{"user1"}, users)

	users, err = s.ListUsersByTier(ctx, "plus")
	require.NoError(t, err)
	assert.Equal(t, []string{"user2"}, users)

	users, err = s.ListUsersByTier(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func testUsersWithoutEntitlement(t *testing.T, s usagemeter.Storage) {
	ctx := context.Background()

	users, err := s.ListUsersWithoutEntitlement(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	for _, userID := range []string{"user2", "user1", "user3"} {
		_, err := s.GetOrCreate(ctx, Seed(userID, usagemeter.LimitTypeScan, 3))
		require.NoError(t, err)
	}
	_, err = s.GetOrCreate(ctx, Seed("user1", usagemeter.LimitTypeAIRecipe, 5))
	require.NoError(t, err)
	require.NoError(t, s.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user3", Tier: "plus", UpdatedAt: Base}))
	require.NoError(t, s.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user4", Tier: "free", UpdatedAt: Base}))
	_, err = s.Record(ctx, entry("e1", "user5", "/search", Base), Base.Add(-time.Minute), 0)
	require.NoError(t, err)

	users, err = s.ListUsersWithoutEntitlement(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user1", "user2"}, users)
}
