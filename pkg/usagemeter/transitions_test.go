package usagemeter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

func testPolicy() usagemeter.ResolvedPolicy {
	return usagemeter.ResolvedPolicy{
		Tier:               "free",
		LimitType:          usagemeter.LimitTypeScan,
		Limit:              usagemeter.LimitPolicy{LimitValue: 3, BurstLimit: 5},
		WindowDuration:     30 * 24 * time.Hour,
		ViolationThreshold: 3,
		ViolationWindow:    24 * time.Hour,
		BlockDuration:      24 * time.Hour,
	}
}

func TestResetWindow(t *testing.T) {
	policy := testPolicy()
	rec := usagemeter.NewRecord("user1", policy, testStart)
	rec.CurrentUsage = 3
	rec.ViolationCount = 2
	until := testStart.Add(time.Hour)
	rec.IsBlocked = true
	rec.BlockedUntil = &until

	assert.False(t, usagemeter.ResetWindow(rec, testStart.Add(policy.WindowDuration-time.Nanosecond), policy))
	assert.Equal(t, 3, rec.CurrentUsage)

	policy.Limit.LimitValue = 10
	now := testStart.Add(policy.WindowDuration)
	assert.True(t, usagemeter.ResetWindow(rec, now, policy))
	assert.Equal(t, 0, rec.CurrentUsage)
	assert.Equal(t, 10, rec.LimitValue)
	assert.True(t, rec.WindowStart.Equal(now))
	assert.Equal(t, 0, rec.ViolationCount)
	assert.False(t, rec.IsBlocked)
	assert.Nil(t, rec.BlockedUntil)

	// applying again in the new window is a no-op
	assert.False(t, usagemeter.ResetWindow(rec, now, policy))
}

func TestApplyViolation(t *testing.T) {
	policy := testPolicy()
	rec := usagemeter.NewRecord("user1", policy, testStart)

	assert.False(t, usagemeter.ApplyViolation(rec, testStart, policy))
	assert.False(t, usagemeter.ApplyViolation(rec, testStart.Add(time.Hour), policy))
	assert.Equal(t, 2, rec.ViolationCount)

	now := testStart.Add(2 * time.Hour)
	assert.True(t, usagemeter.ApplyViolation(rec, now, policy))
	assert.True(t, rec.IsBlocked)
	assert.True(t, rec.BlockedUntil.Equal(now.Add(24*time.Hour)))

	// an active block is not extended
	assert.False(t, usagemeter.ApplyViolation(rec, now.Add(time.Hour), policy))
	assert.True(t, rec.BlockedUntil.Equal(now.Add(24*time.Hour)))
	assert.Equal(t, 4, rec.ViolationCount)
}

func TestApplyViolation_RollingWindowRestartsCount(t *testing.T) {
	policy := testPolicy()
	rec := usagemeter.NewRecord("user1", policy, testStart)

	usagemeter.ApplyViolation(rec, testStart, policy)
	usagemeter.ApplyViolation(rec, testStart.Add(time.Hour), policy)
	usagemeter.ApplyViolation(rec, testStart.Add(25*time.Hour+time.Minute), policy)

	assert.Equal(t, 1, rec.ViolationCount)
	assert.False(t, rec.IsBlocked)
}

func TestClearExpiredBlock(t *testing.T) {
	rec := usagemeter.NewRecord("user1", testPolicy(), testStart)
	assert.False(t, usagemeter.ClearExpiredBlock(rec, testStart))

	until := testStart.Add(time.Hour)
	rec.IsBlocked = true
	rec.BlockedUntil = &until
	rec.ViolationCount = 3

	assert.False(t, usagemeter.ClearExpiredBlock(rec, testStart.Add(59*time.Minute)))
	assert.True(t, usagemeter.ClearExpiredBlock(rec, until))
	assert.False(t, rec.IsBlocked)
	assert.Nil(t, rec.BlockedUntil)
	assert.Equal(t, 0, rec.ViolationCount)

	// indefinite blocks stay until a window reset
	rec.IsBlocked = true
	rec.BlockedUntil = nil
	assert.True(t, rec.BlockActive(testStart.Add(1000*time.Hour)))
	assert.False(t, usagemeter.ClearExpiredBlock(rec, testStart.Add(1000*time.Hour)))
}

func TestSnapshot(t *testing.T) {
	policy := testPolicy()
	rec := usagemeter.NewRecord("user1", policy, testStart)
	rec.CurrentUsage = 1

	la := usagemeter.Snapshot(rec, policy, testStart.Add(10*24*time.Hour+time.Hour))
	assert.Equal(t, 33.33, la.UsagePercentage)
	assert.Equal(t, 2, la.Remaining)
	assert.Equal(t, 20, la.DaysUntilReset)
	assert.False(t, la.WindowExpired)

	rec.CurrentUsage = 4
	la = usagemeter.Snapshot(rec, policy, testStart)
	assert.Equal(t, 133.33, la.UsagePercentage)
	assert.Equal(t, 0, la.Remaining)

	la = usagemeter.Snapshot(rec, policy, testStart.Add(policy.WindowDuration))
	assert.True(t, la.WindowExpired)
	assert.Equal(t, 0, la.DaysUntilReset)
	assert.Equal(t, 3, la.Remaining)
}

func TestSnapshot_UsesRecordLimitUntilReset(t *testing.T) {
	policy := testPolicy()
	rec := usagemeter.NewRecord("user1", policy, testStart)
	rec.CurrentUsage = 2
	rec.LimitValue = 4

	la := usagemeter.Snapshot(rec, policy, testStart)
	assert.Equal(t, 4, la.LimitValue)
	assert.Equal(t, 2, la.Remaining)
	assert.Equal(t, 50.0, la.UsagePercentage)

	la = usagemeter.Snapshot(rec, policy, testStart.Add(policy.WindowDuration))
	assert.Equal(t, policy.Limit.LimitValue, la.LimitValue)
	assert.Equal(t, policy.Limit.LimitValue, la.Remaining)
}
