package usagemeter

import (
	"context"
	"errors"
	"time"
)

// ApplyViolation records one limit violation on rec.
// The count restarts at 1 when the previous violation fell outside the rolling
// ViolationWindow. Reaching ViolationThreshold blocks the record until
// now+BlockDuration; an already active block is not extended.
// Returns true when this violation started a block.
func ApplyViolation(rec *QuotaRecord, now time.Time, policy ResolvedPolicy) bool {
	if rec.LastViolationAt == nil || now.Sub(*rec.LastViolationAt) >= policy.ViolationWindow {
		rec.ViolationCount = 1
	} else {
		rec.ViolationCount++
	}
	at := now
	rec.LastViolationAt = &at
	rec.UpdatedAt = now

	if rec.ViolationCount < policy.ViolationThreshold || rec.BlockActive(now) {
		return false
	}
	until := now.Add(policy.BlockDuration)
	rec.IsBlocked = true
	rec.BlockedUntil = &until
	return true
}

// ClearExpiredBlock lifts a block whose BlockedUntil has passed and zeroes the
// violation count. Indefinite blocks are never cleared here.
func ClearExpiredBlock(rec *QuotaRecord, now time.Time) bool {
	if !rec.IsBlocked || rec.BlockActive(now) {
		return false
	}
	rec.IsBlocked = false
	rec.BlockedUntil = nil
	rec.ViolationCount = 0
	rec.LastViolationAt = nil
	rec.UpdatedAt = now
	return true
}

// ViolationTracker persists violation and block transitions
type ViolationTracker struct {
	store   QuotaStore
	logger  Logger
	metrics Metrics
}

// NewViolationTracker creates a ViolationTracker over store
func NewViolationTracker(store QuotaStore, logger Logger, metrics Metrics) *ViolationTracker {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &ViolationTracker{store: store, logger: logger, metrics: metrics}
}

// Record counts a violation for (userID, limitType) and blocks the record at the threshold
func (v *ViolationTracker) Record(ctx context.Context, userID string, limitType LimitType, policy ResolvedPolicy, now time.Time) (*QuotaRecord, error) {
	blocked := false
	rec, err := v.store.Mutate(ctx, userID, limitType, func(r *QuotaRecord) error {
		blocked = ApplyViolation(r, now, policy)
		return nil
	})
	if err != nil {
		return nil, storageError("record violation", err)
	}

	v.metrics.RecordViolation(limitType, blocked)
	if blocked {
		v.logger.Warn("user temporarily blocked",
			Field{"userId", userID},
			Field{"limitType", limitType},
			Field{"violations", rec.ViolationCount},
			Field{"blockedUntil", rec.BlockedUntil},
		)
	}
	return rec, nil
}

// ClearExpired lifts an expired block on (userID, limitType)
func (v *ViolationTracker) ClearExpired(ctx context.Context, userID string, limitType LimitType, now time.Time) (*QuotaRecord, error) {
	cleared := false
	rec, err := v.store.Mutate(ctx, userID, limitType, func(r *QuotaRecord) error {
		if !ClearExpiredBlock(r, now) {
			return ErrNoChange
		}
		cleared = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrNoChange) {
		return nil, storageError("clear expired block", err)
	}
	if cleared {
		v.logger.Debug("temporary block expired",
			Field{"userId", userID},
			Field{"limitType", limitType},
		)
	}
	return rec, nil
}
