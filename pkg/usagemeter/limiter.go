package usagemeter

import (
	"context"
	"strings"
	"time"
)

// CheckRequest is the input to RateLimiter.Check
type CheckRequest struct {
	UserID    string
	Tier      string
	LimitType LimitType
	// Increment is the amount to consume (>= 1)
	Increment int
	// RespectBlocks makes an active violation block deny the request
	RespectBlocks bool
	// UseBurst raises the ceiling to the policy's BurstLimit for this call
	UseBurst bool
}

// RateLimiter is the core quota engine.
// It keeps no state of its own; all counters live in the QuotaStore.
type RateLimiter struct {
	store      QuotaStore
	policies   *PolicyResolver
	windows    *WindowManager
	violations *ViolationTracker
	clock      Clock
	logger     Logger
	metrics    Metrics
}

// NewRateLimiter wires a RateLimiter from its collaborators
func NewRateLimiter(store QuotaStore, policies *PolicyResolver, clock Clock, logger Logger, metrics Metrics) *RateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &RateLimiter{
		store:      store,
		policies:   policies,
		windows:    NewWindowManager(store, logger, metrics),
		violations: NewViolationTracker(store, logger, metrics),
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// Check consumes req.Increment units of quota when the user is within limits.
// Denials are returned as a Decision with Allowed=false; errors are reserved
// for validation problems and storage failures.
func (l *RateLimiter) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	start := time.Now()
	defer func() {
		l.metrics.RecordCheckDuration(req.LimitType, time.Since(start))
	}()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, validationErrorf("user id is required")
	}
	if req.Increment < 1 {
		return nil, validationErrorf("increment must be at least 1, got %d", req.Increment)
	}

	policy, err := l.policies.Resolve(req.Tier, req.LimitType)
	if err != nil {
		return nil, err
	}

	if policy.Unlimited {
		l.metrics.RecordCheck(req.LimitType, policy.Tier, true, "")
		return &Decision{
			Allowed:         true,
			UserID:          req.UserID,
			LimitType:       req.LimitType,
			Tier:            policy.Tier,
			LimitValue:      -1,
			Remaining:       -1,
			UnlimitedAccess: true,
		}, nil
	}

	now := l.clock.Now()

	rec, err := l.store.GetOrCreate(ctx, NewRecord(req.UserID, policy, now))
	if err != nil {
		return nil, storageError("get quota record", err)
	}

	rec, reset, err := l.windows.Apply(ctx, rec, policy, now)
	if err != nil {
		return nil, err
	}

	if rec.IsBlocked {
		if rec.BlockActive(now) {
			if req.RespectBlocks {
				return l.deny(rec, policy, ReasonTemporarilyBlocked, reset), nil
			}
		} else {
			rec, err = l.violations.ClearExpired(ctx, req.UserID, req.LimitType, now)
			if err != nil {
				return nil, err
			}
		}
	}

	ceiling := rec.LimitValue
	if req.UseBurst && rec.BurstLimit > ceiling {
		ceiling = rec.BurstLimit
	}

	ok, after, err := l.store.ConditionalIncrement(ctx, req.UserID, req.LimitType, req.Increment, ceiling, now)
	if err != nil {
		return nil, storageError("increment usage", err)
	}

	if !ok {
		violated, err := l.violations.Record(ctx, req.UserID, req.LimitType, policy, now)
		if err != nil {
			return nil, err
		}
		return l.deny(violated, policy, ReasonLimitExceeded, reset), nil
	}

	l.metrics.RecordCheck(req.LimitType, policy.Tier, true, "")
	return &Decision{
		Allowed:       true,
		UserID:        req.UserID,
		LimitType:     req.LimitType,
		Tier:          policy.Tier,
		CurrentUsage:  after.CurrentUsage,
		LimitValue:    after.LimitValue,
		Remaining:     clampZero(after.LimitValue - after.CurrentUsage),
		ResetTime:     after.WindowEnd(),
		WindowExpired: reset,
		RateWindows:   policy.Limit.RateWindows(),
	}, nil
}

func (l *RateLimiter) deny(rec *QuotaRecord, policy ResolvedPolicy, reason DenyReason, reset bool) *Decision {
	l.metrics.RecordCheck(policy.LimitType, policy.Tier, false, reason)

	d := &Decision{
		Allowed:       false,
		Reason:        reason,
		UserID:        rec.UserID,
		LimitType:     rec.LimitType,
		Tier:          policy.Tier,
		CurrentUsage:  rec.CurrentUsage,
		LimitValue:    rec.LimitValue,
		Remaining:     clampZero(rec.LimitValue - rec.CurrentUsage),
		ResetTime:     rec.WindowEnd(),
		WindowExpired: reset,
		RateWindows:   policy.Limit.RateWindows(),
	}
	if rec.IsBlocked {
		d.BlockedUntil = rec.BlockedUntil
		if reason == ReasonTemporarilyBlocked && rec.BlockedUntil != nil {
			d.ResetTime = *rec.BlockedUntil
		}
	}
	return d
}
