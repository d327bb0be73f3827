package api

import (
	"time"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// CheckRequest is the optional body of POST /v1/check/{limitType}
type CheckRequest struct {
	Increment    int  `json:"increment" validate:"omitempty,gte=1,lte=10000"`
	UseBurst     bool `json:"use_burst"`
	IgnoreBlocks bool `json:"ignore_blocks"`
}

// APICheckRequest is the body of POST /v1/api-check
type APICheckRequest struct {
	Endpoint      string `json:"endpoint" validate:"required,max=512"`
	WindowSeconds int    `json:"window_seconds" validate:"gte=0,lte=86400"`
}

// EntitlementRequest is the body of PUT /v1/entitlements/{userID}
type EntitlementRequest struct {
	Tier string `json:"tier" validate:"required,max=64"`
}

// DecisionResponse is the JSON form of a quota decision
type DecisionResponse struct {
	Allowed         bool                   `json:"allowed"`
	Reason          usagemeter.DenyReason  `json:"reason,omitempty"`
	LimitType       usagemeter.LimitType   `json:"limit_type"`
	Tier            string                 `json:"tier"`
	CurrentUsage    int                    `json:"current_usage"`
	Limit           int                    `json:"limit"`
	Remaining       int                    `json:"remaining"`
	ResetTime       *time.Time             `json:"reset_time,omitempty"`
	BlockedUntil    *time.Time             `json:"blocked_until,omitempty"`
	WindowExpired   bool                   `json:"window_expired,omitempty"`
	UnlimitedAccess bool                   `json:"unlimited_access,omitempty"`
	RateWindows     usagemeter.RateWindows `json:"rate_windows"`
}

// APIDecisionResponse is the JSON form of a sliding-window decision
type APIDecisionResponse struct {
	Allowed           bool   `json:"allowed"`
	Endpoint          string `json:"endpoint"`
	Tier              string `json:"tier"`
	CurrentRequests   int    `json:"current_requests"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
	WindowSeconds     int    `json:"window_seconds"`
	RetryAfterSeconds int    `json:"retry_after,omitempty"`
	UnlimitedAccess   bool   `json:"unlimited_access,omitempty"`
}

// UsageResponse represents the complete usage state for a user
type UsageResponse struct {
	UserID          string                `json:"user_id"`
	Tier            string                `json:"tier"`
	UnlimitedAccess bool                  `json:"unlimited_access"`
	Limits          map[string]LimitUsage `json:"limits"`
	Predictions     *PredictionsResponse  `json:"predictions,omitempty"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

// LimitUsage represents analytics for a single limit type
type LimitUsage struct {
	CurrentUsage       int        `json:"current_usage"`
	Limit              int        `json:"limit"`
	UsagePercentage    float64    `json:"usage_percentage"`
	Remaining          int        `json:"remaining"`
	DaysUntilReset     int        `json:"days_until_reset"`
	ResetTime          time.Time  `json:"reset_time"`
	WindowExpired      bool       `json:"window_expired,omitempty"`
	IsBlocked          bool       `json:"is_blocked"`
	BlockedUntil       *time.Time `json:"blocked_until,omitempty"`
	LikelyToExceed     bool       `json:"likely_to_exceed"`
	RecommendedUpgrade bool       `json:"recommended_upgrade"`
}

// PredictionsResponse carries tier-wide upgrade predictions
type PredictionsResponse struct {
	LikelyToExceed     bool                   `json:"likely_to_exceed"`
	RecommendedUpgrade bool                   `json:"recommended_upgrade"`
	NearLimit          []usagemeter.LimitType `json:"near_limit,omitempty"`
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status         string `json:"status"`
	Storage        string `json:"storage"`
	CircuitBreaker string `json:"circuit_breaker"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func newDecisionResponse(d *usagemeter.Decision) DecisionResponse {
	resp := DecisionResponse{
		Allowed:         d.Allowed,
		Reason:          d.Reason,
		LimitType:       d.LimitType,
		Tier:            d.Tier,
		CurrentUsage:    d.CurrentUsage,
		Limit:           d.LimitValue,
		Remaining:       d.Remaining,
		BlockedUntil:    d.BlockedUntil,
		WindowExpired:   d.WindowExpired,
		UnlimitedAccess: d.UnlimitedAccess,
		RateWindows:     d.RateWindows,
	}
	if !d.ResetTime.IsZero() {
		t := d.ResetTime
		resp.ResetTime = &t
	}
	return resp
}

func newAPIDecisionResponse(d *usagemeter.APIDecision) APIDecisionResponse {
	return APIDecisionResponse{
		Allowed:           d.Allowed,
		Endpoint:          d.Endpoint,
		Tier:              d.Tier,
		CurrentRequests:   d.CurrentRequests,
		Limit:             d.Limit,
		Remaining:         d.Remaining,
		WindowSeconds:     int(d.Window / time.Second),
		RetryAfterSeconds: d.RetryAfterSeconds,
		UnlimitedAccess:   d.UnlimitedAccess,
	}
}

func newUsageResponse(a *usagemeter.UsageAnalytics) UsageResponse {
	resp := UsageResponse{
		UserID:          a.UserID,
		Tier:            a.Tier,
		UnlimitedAccess: a.UnlimitedAccess,
		Limits:          make(map[string]LimitUsage, len(a.PerLimitType)),
		GeneratedAt:     a.GeneratedAt,
	}
	for lt, la := range a.PerLimitType {
		resp.Limits[string(lt)] = LimitUsage{
			CurrentUsage:       la.CurrentUsage,
			Limit:              la.LimitValue,
			UsagePercentage:    la.UsagePercentage,
			Remaining:          la.Remaining,
			DaysUntilReset:     la.DaysUntilReset,
			ResetTime:          la.ResetTime,
			WindowExpired:      la.WindowExpired,
			IsBlocked:          la.IsBlocked,
			BlockedUntil:       la.BlockedUntil,
			LikelyToExceed:     la.LikelyToExceed,
			RecommendedUpgrade: la.RecommendedUpgrade,
		}
	}
	if a.Predictions != nil {
		resp.Predictions = &PredictionsResponse{
			LikelyToExceed:     a.Predictions.LikelyToExceed,
			RecommendedUpgrade: a.Predictions.RecommendedUpgrade,
			NearLimit:          a.Predictions.NearLimit,
		}
	}
	return resp
}
