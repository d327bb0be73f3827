package usagemeter

import (
	"context"
	"errors"
	"time"
)

// WindowExpired reports whether rec's quota window has rolled over at now
func WindowExpired(rec *QuotaRecord, now time.Time) bool {
	return !now.Before(rec.WindowEnd())
}

// ResetWindow rolls rec into a fresh window starting at now when the current one
// has expired. Limits are refreshed from policy and violation state is cleared.
// Returns false and leaves rec untouched when the window is still open.
func ResetWindow(rec *QuotaRecord, now time.Time, policy ResolvedPolicy) bool {
	if !WindowExpired(rec, now) {
		return false
	}
	rec.CurrentUsage = 0
	rec.WindowStart = now
	rec.WindowDuration = policy.WindowDuration
	rec.LimitValue = policy.Limit.LimitValue
	rec.BurstLimit = policy.Limit.BurstLimit
	rec.ViolationCount = 0
	rec.LastViolationAt = nil
	rec.IsBlocked = false
	rec.BlockedUntil = nil
	rec.UpdatedAt = now
	return true
}

// WindowManager applies window rollover to stored records.
// Resets go through QuotaStore.Mutate and re-check expiry inside the critical
// section, so concurrent callers observing the same expired window reset it once.
type WindowManager struct {
	store   QuotaStore
	logger  Logger
	metrics Metrics
}

// NewWindowManager creates a WindowManager over store
func NewWindowManager(store QuotaStore, logger Logger, metrics Metrics) *WindowManager {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &WindowManager{store: store, logger: logger, metrics: metrics}
}

// Apply resets rec if its window has expired. Policy limits reach a record only
// here or at creation, so a tier change takes effect at the next reset.
// Returns the current record and whether this call performed the reset.
func (w *WindowManager) Apply(ctx context.Context, rec *QuotaRecord, policy ResolvedPolicy, now time.Time) (*QuotaRecord, bool, error) {
	if !WindowExpired(rec, now) {
		return rec, false, nil
	}

	reset := false
	updated, err := w.store.Mutate(ctx, rec.UserID, rec.LimitType, func(r *QuotaRecord) error {
		if ResetWindow(r, now, policy) {
			reset = true
			return nil
		}
		return ErrNoChange
	})
	if err != nil && !errors.Is(err, ErrNoChange) {
		return nil, false, storageError("reset window", err)
	}

	if reset {
		w.metrics.RecordWindowReset(rec.LimitType)
		w.logger.Debug("quota window reset",
			Field{"userId", rec.UserID},
			Field{"limitType", rec.LimitType},
			Field{"windowStart", now},
		)
	}
	return updated, reset, nil
}
