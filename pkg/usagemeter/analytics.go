package usagemeter

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	// LikelyToExceedThreshold is the usage percentage above which a limit is flagged
	LikelyToExceedThreshold = 80.0
	// UpgradeThreshold is the usage percentage above which entry-level users are prompted to upgrade
	UpgradeThreshold = 70.0
)

// AnalyticsEngine derives usage snapshots from stored records. It never writes:
// a record whose window has expired is reported as if it had just been reset.
type AnalyticsEngine struct {
	store    QuotaStore
	policies *PolicyResolver
	clock    Clock
}

// NewAnalyticsEngine creates an AnalyticsEngine
func NewAnalyticsEngine(store QuotaStore, policies *PolicyResolver, clock Clock) *AnalyticsEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AnalyticsEngine{store: store, policies: policies, clock: clock}
}

// GetAnalytics returns per-limit-type usage for a user on tier
func (e *AnalyticsEngine) GetAnalytics(ctx context.Context, userID, tier string, includePredictions bool) (*UsageAnalytics, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationErrorf("user id is required")
	}

	now := e.clock.Now()
	out := &UsageAnalytics{
		UserID:       userID,
		PerLimitType: make(map[LimitType]*LimitAnalytics),
		GeneratedAt:  now,
	}

	base, err := e.policies.Resolve(tier, LimitTypeAPICall)
	if err != nil {
		return nil, err
	}
	out.Tier = base.Tier
	if base.Unlimited {
		out.UnlimitedAccess = true
		return out, nil
	}

	records, err := e.store.ListRecords(ctx, userID)
	if err != nil {
		return nil, storageError("list quota records", err)
	}

	var preds *Predictions
	if includePredictions {
		preds = &Predictions{}
	}

	for _, rec := range records {
		policy, err := e.policies.Resolve(tier, rec.LimitType)
		if err != nil {
			continue
		}
		la := Snapshot(rec, policy, now)
		if preds != nil {
			la.LikelyToExceed = la.UsagePercentage > LikelyToExceedThreshold
			la.RecommendedUpgrade = policy.EntryLevel && la.UsagePercentage > UpgradeThreshold
			if la.LikelyToExceed {
				preds.LikelyToExceed = true
				preds.NearLimit = append(preds.NearLimit, la.LimitType)
			}
			if la.RecommendedUpgrade {
				preds.RecommendedUpgrade = true
			}
		}
		out.PerLimitType[rec.LimitType] = la
	}

	if preds != nil {
		sort.Slice(preds.NearLimit, func(i, j int) bool { return preds.NearLimit[i] < preds.NearLimit[j] })
		out.Predictions = preds
	}
	return out, nil
}

// Snapshot computes the analytics view of one record at now. An open window
// reports the record's own limit; an expired one reports the limit its reset
// will apply from policy.
func Snapshot(rec *QuotaRecord, policy ResolvedPolicy, now time.Time) *LimitAnalytics {
	la := &LimitAnalytics{
		LimitType: rec.LimitType,
		ResetTime: rec.WindowEnd(),
	}

	if WindowExpired(rec, now) {
		limit := policy.Limit.LimitValue
		if limit <= 0 {
			limit = rec.LimitValue
		}
		la.LimitValue = limit
		la.WindowExpired = true
		la.Remaining = limit
		return la
	}

	limit := rec.LimitValue
	la.LimitValue = limit

	la.CurrentUsage = rec.CurrentUsage
	la.Remaining = clampZero(limit - rec.CurrentUsage)
	la.UsagePercentage = usagePercentage(rec.CurrentUsage, limit)
	la.DaysUntilReset = daysUntil(rec.WindowEnd(), now)
	if rec.BlockActive(now) {
		la.IsBlocked = true
		la.BlockedUntil = rec.BlockedUntil
	}
	return la
}

func usagePercentage(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(used)/float64(limit)*100*100) / 100
}

func daysUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
