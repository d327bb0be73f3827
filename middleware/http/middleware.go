// Package http provides net/http middleware for quota and API rate limit enforcement
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// TierExtractor extracts the authenticated tier from an HTTP request.
// Return empty string to let the Manager resolve the tier itself.
type TierExtractor func(r *http.Request) string

// LimitTypeExtractor selects the metered limit type for a request
type LimitTypeExtractor func(r *http.Request) usagemeter.LimitType

// EndpointExtractor names the endpoint for API rate limiting
type EndpointExtractor func(r *http.Request) string

// AmountExtractor calculates the increment for a request
type AmountExtractor func(r *http.Request) (int, error)

// Config holds quota middleware configuration
type Config struct {
	// Manager is the usage manager instance (required)
	Manager *usagemeter.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetLimitType selects the limit type (required)
	GetLimitType LimitTypeExtractor

	// GetTier extracts a trusted tier from the request (optional)
	GetTier TierExtractor

	// GetAmount calculates the increment (optional, default 1)
	GetAmount AmountExtractor

	// Options are passed to every CheckRateLimit call
	Options []usagemeter.CheckOption

	// OnDenied is called when a check is denied.
	// If nil, returns 429 JSON with rate limit headers.
	OnDenied func(w http.ResponseWriter, r *http.Request, d *usagemeter.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the check fails.
	// If nil, returns 400, 503 or 500 depending on the error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// APIConfig holds API rate limit middleware configuration
type APIConfig struct {
	// Manager is the usage manager instance (required)
	Manager *usagemeter.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetTier extracts a trusted tier from the request (optional)
	GetTier TierExtractor

	// GetEndpoint names the endpoint (optional, default: URL path)
	GetEndpoint EndpointExtractor

	// Window is the sliding window (default: one minute)
	Window time.Duration

	// OnDenied is called when the request is rate limited.
	// If nil, returns 429 JSON with Retry-After.
	OnDenied func(w http.ResponseWriter, r *http.Request, d *usagemeter.APIDecision)

	// OnUnauthorized is called when user is not authenticated
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the check fails
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey string

const (
	decisionKey    contextKey = "usagemeter:decision"
	apiDecisionKey contextKey = "usagemeter:apiDecision"
)

// DecisionFromContext returns the quota decision stored by Middleware
func DecisionFromContext(ctx context.Context) (*usagemeter.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(*usagemeter.Decision)
	return d, ok
}

// APIDecisionFromContext returns the decision stored by APIRateLimit
func APIDecisionFromContext(ctx context.Context) (*usagemeter.APIDecision, bool) {
	d, ok := ctx.Value(apiDecisionKey).(*usagemeter.APIDecision)
	return d, ok
}

// Middleware creates an HTTP middleware that enforces quota limits
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("usagemeter/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("usagemeter/http: Config.GetUserID is required")
	}
	if config.GetLimitType == nil {
		panic("usagemeter/http: Config.GetLimitType is required")
	}
	if config.GetAmount == nil {
		config.GetAmount = FixedAmount(1)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				unauthorized(w, r, config.OnUnauthorized)
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Bad Request"})
				}
				return
			}

			ctx := withTier(r, config.GetTier)
			opts := append([]usagemeter.CheckOption{usagemeter.WithIncrement(amount)}, config.Options...)
			decision, err := config.Manager.CheckRateLimit(ctx, userID, config.GetLimitType(r), opts...)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					WriteError(w, err)
				}
				return
			}

			setHeaders(w, decision.Headers(time.Now()))
			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					writeJSON(w, http.StatusTooManyRequests, QuotaExceededBody(decision))
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, decisionKey, decision)))
		})
	}
}

// APIRateLimit creates an HTTP middleware that enforces the sliding-window API limit
func APIRateLimit(config APIConfig) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("usagemeter/http: APIConfig.Manager is required")
	}
	if config.GetUserID == nil {
		panic("usagemeter/http: APIConfig.GetUserID is required")
	}
	if config.GetEndpoint == nil {
		config.GetEndpoint = FromPath()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				unauthorized(w, r, config.OnUnauthorized)
				return
			}

			ctx := withTier(r, config.GetTier)
			var opts []usagemeter.APICheckOption
			if config.Window > 0 {
				opts = append(opts, usagemeter.WithWindow(config.Window))
			}
			decision, err := config.Manager.CheckAPIRateLimit(ctx, userID, config.GetEndpoint(r), opts...)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					WriteError(w, err)
				}
				return
			}

			setHeaders(w, decision.Headers(time.Now()))
			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					writeJSON(w, http.StatusTooManyRequests, RateLimitedBody(decision))
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, apiDecisionKey, decision)))
		})
	}
}

// QuotaExceededBody is the default JSON body for a denied quota check
func QuotaExceededBody(d *usagemeter.Decision) map[string]interface{} {
	body := map[string]interface{}{
		"error":         "Quota exceeded",
		"reason":        d.Reason,
		"limit_type":    d.LimitType,
		"current_usage": d.CurrentUsage,
		"limit":         d.LimitValue,
		"reset_time":    d.ResetTime,
	}
	if d.BlockedUntil != nil {
		body["blocked_until"] = d.BlockedUntil
	}
	return body
}

// RateLimitedBody is the default JSON body for a denied API check
func RateLimitedBody(d *usagemeter.APIDecision) map[string]interface{} {
	return map[string]interface{}{
		"error":       "Rate limit exceeded",
		"limit":       d.Limit,
		"retry_after": d.RetryAfterSeconds,
	}
}

// WriteError writes the JSON response for an engine error.
// Storage failures advertise Retry-After.
func WriteError(w http.ResponseWriter, err error) {
	status := usagemeter.HTTPStatus(err)
	switch status {
	case http.StatusBadRequest:
		writeJSON(w, status, map[string]interface{}{"error": "Bad Request", "message": err.Error()})
	case http.StatusServiceUnavailable:
		w.Header().Set(usagemeter.HeaderRetryAfter, strconv.Itoa(usagemeter.StorageRetryAfterSeconds))
		writeJSON(w, status, map[string]interface{}{"error": "Service temporarily unavailable"})
	case http.StatusNotFound:
		writeJSON(w, status, map[string]interface{}{"error": "Not Found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Internal Server Error"})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, handler func(http.ResponseWriter, *http.Request)) {
	if handler != nil {
		handler(w, r)
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
}

func withTier(r *http.Request, getTier TierExtractor) context.Context {
	ctx := r.Context()
	if getTier == nil {
		return ctx
	}
	if tier := getTier(r); tier != "" {
		ctx = usagemeter.ContextWithTier(ctx, tier)
	}
	return ctx
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*http.Request) (int, error) {
		return amount, nil
	}
}

// FixedLimitType returns a LimitTypeExtractor that always returns lt
func FixedLimitType(lt usagemeter.LimitType) LimitTypeExtractor {
	return func(*http.Request) usagemeter.LimitType {
		return lt
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "usagemeter:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// TierFromHeader returns a TierExtractor that reads a trusted gateway header
func TierFromHeader(headerName string) TierExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPath returns an EndpointExtractor that uses the request path
func FromPath() EndpointExtractor {
	return func(r *http.Request) string {
		return r.URL.Path
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
