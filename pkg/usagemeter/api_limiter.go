package usagemeter

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultAPIWindow is the sliding window used when a check names none
const DefaultAPIWindow = time.Minute

// APICheckRequest is the input to APILimiter.Check
type APICheckRequest struct {
	UserID   string
	Tier     string
	Endpoint string
	Window   time.Duration
}

// APILimiter enforces short-window request ceilings over the ActivityLog.
// The window slides continuously: an entry stops counting exactly one window
// after it was recorded, with no bucket boundaries.
type APILimiter struct {
	log      ActivityLog
	policies *PolicyResolver
	clock    Clock
	metrics  Metrics
}

// NewAPILimiter creates an APILimiter
func NewAPILimiter(log ActivityLog, policies *PolicyResolver, clock Clock, metrics Metrics) *APILimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &APILimiter{log: log, policies: policies, clock: clock, metrics: metrics}
}

// CeilingFor returns the request ceiling of lp over window; 0 means no ceiling.
// Windows other than a minute, an hour or a day scale RequestsPerMinute.
func CeilingFor(lp LimitPolicy, window time.Duration) int {
	switch window {
	case time.Minute:
		return lp.RequestsPerMinute
	case time.Hour:
		return lp.RequestsPerHour
	case 24 * time.Hour:
		return lp.RequestsPerDay
	}
	if lp.RequestsPerMinute <= 0 {
		return 0
	}
	return int(math.Ceil(float64(lp.RequestsPerMinute) * window.Minutes()))
}

// Check counts the caller's requests to endpoint inside the window and records
// this one when the ceiling has not been reached
func (a *APILimiter) Check(ctx context.Context, req APICheckRequest) (*APIDecision, error) {
	start := time.Now()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, validationErrorf("user id is required")
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, validationErrorf("endpoint is required")
	}
	window := req.Window
	if window <= 0 {
		window = DefaultAPIWindow
	}

	policy, err := a.policies.Resolve(req.Tier, LimitTypeAPICall)
	if err != nil {
		return nil, err
	}
	if policy.Unlimited {
		a.metrics.RecordAPICheck(req.Endpoint, true, time.Since(start))
		return &APIDecision{
			Allowed:         true,
			UserID:          req.UserID,
			Endpoint:        req.Endpoint,
			Tier:            policy.Tier,
			Limit:           -1,
			Remaining:       -1,
			Window:          window,
			UnlimitedAccess: true,
		}, nil
	}

	now := a.clock.Now()
	ceiling := CeilingFor(policy.Limit, window)
	entry := &ActivityLogEntry{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Endpoint:  req.Endpoint,
		Timestamp: now,
	}

	observed, err := a.log.Record(ctx, entry, now.Add(-window), ceiling)
	if err != nil {
		return nil, storageError("record api activity", err)
	}

	d := &APIDecision{
		Allowed:  observed.Recorded,
		UserID:   req.UserID,
		Endpoint: req.Endpoint,
		Tier:     policy.Tier,
		Limit:    ceiling,
		Window:   window,
	}

	switch {
	case ceiling <= 0:
		d.Limit = -1
		d.Remaining = -1
		d.CurrentRequests = observed.Count + 1
	case observed.Recorded:
		d.CurrentRequests = observed.Count + 1
		d.Remaining = clampZero(ceiling - d.CurrentRequests)
	default:
		d.CurrentRequests = observed.Count
		d.Remaining = 0
		d.RetryAfter = retryAfter(observed.Oldest, window, now)
		d.RetryAfterSeconds = int(d.RetryAfter / time.Second)
	}

	a.metrics.RecordAPICheck(req.Endpoint, d.Allowed, time.Since(start))
	return d, nil
}

// retryAfter is the time until the oldest in-window entry slides out,
// truncated to whole seconds and never below one second
func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	wait := window
	if !oldest.IsZero() {
		wait = oldest.Add(window).Sub(now)
	}
	wait = wait.Truncate(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Pruner deletes activity log entries older than the retention window
type Pruner struct {
	log       ActivityLog
	retention time.Duration
	clock     Clock
	logger    Logger
}

// NewPruner creates a Pruner. A non-positive retention uses DefaultAPIWindow.
func NewPruner(log ActivityLog, retention time.Duration, clock Clock, logger Logger) *Pruner {
	if retention <= 0 {
		retention = DefaultAPIWindow
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Pruner{log: log, retention: retention, clock: clock, logger: logger}
}

// Retention returns the age past which entries are removed
func (p *Pruner) Retention() time.Duration {
	return p.retention
}

// PruneOnce removes expired entries and returns how many were deleted
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	n, err := p.log.Prune(ctx, p.clock.Now().Add(-p.retention))
	if err != nil {
		return 0, storageError("prune activity log", err)
	}
	if n > 0 {
		p.logger.Debug("pruned activity log", Field{"deleted", n})
	}
	return n, nil
}

// Run prunes every interval until ctx is cancelled
func (p *Pruner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PruneOnce(ctx); err != nil {
				p.logger.Warn("activity log prune failed", Field{"error", err.Error()})
			}
		}
	}
}
