// Package gin provides Gin middleware for quota and API rate limit enforcement
package gin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Context keys under which the middleware stores its decisions
const (
	DecisionKey    = "usagemeter.decision"
	APIDecisionKey = "usagemeter.apiDecision"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// TierExtractor extracts a trusted tier from a Gin context
// Return empty string to let the Manager resolve the tier
type TierExtractor func(c *gongin.Context) string

// LimitTypeExtractor selects the metered limit type
type LimitTypeExtractor func(c *gongin.Context) usagemeter.LimitType

// EndpointExtractor names the endpoint for API rate limiting
type EndpointExtractor func(c *gongin.Context) string

// AmountExtractor calculates the increment from the Gin context
type AmountExtractor func(c *gongin.Context) (int, error)

// Config holds quota middleware configuration
type Config struct {
	// Manager is the usage manager instance
	Manager *usagemeter.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetLimitType selects the limit type (required)
	GetLimitType LimitTypeExtractor

	// GetTier extracts a trusted tier (optional)
	GetTier TierExtractor

	// GetAmount calculates the increment (optional, default 1)
	GetAmount AmountExtractor

	// Options are passed to every CheckRateLimit call
	Options []usagemeter.CheckOption

	// OnDenied is called when a check is denied
	// If nil, uses default response: 429 JSON with the decision
	OnDenied func(c *gongin.Context, d *usagemeter.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the check fails
	// If nil, the status follows usagemeter.HTTPStatus
	OnError func(c *gongin.Context, err error)
}

// APIConfig holds API rate limit middleware configuration
type APIConfig struct {
	Manager   *usagemeter.Manager
	GetUserID UserIDExtractor
	GetTier   TierExtractor

	// GetEndpoint names the endpoint (default: the route pattern)
	GetEndpoint EndpointExtractor

	// Window is the sliding window (default: one minute)
	Window time.Duration

	OnDenied       func(c *gongin.Context, d *usagemeter.APIDecision)
	OnUnauthorized func(c *gongin.Context)
	OnError        func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces quota limits
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("usagemeter/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("usagemeter/gin: Config.GetUserID is required")
	}
	if cfg.GetLimitType == nil {
		panic("usagemeter/gin: Config.GetLimitType is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(1)
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			unauthorized(c, cfg.OnUnauthorized)
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("invalid amount: %d", amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		opts := append([]usagemeter.CheckOption{usagemeter.WithIncrement(amount)}, cfg.Options...)
		decision, err := cfg.Manager.CheckRateLimit(withTier(c, cfg.GetTier), userID, cfg.GetLimitType(c), opts...)
		if err != nil {
			fail(c, err, cfg.OnError)
			return
		}

		setHeaders(c, decision.Headers(time.Now()))
		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				defaultQuotaExceeded(c, decision)
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, decision)
		c.Next()
	}
}

// APIRateLimit creates a Gin middleware that enforces the sliding-window API limit
func APIRateLimit(cfg APIConfig) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("usagemeter/gin: APIConfig.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("usagemeter/gin: APIConfig.GetUserID is required")
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = FromRoute()
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			unauthorized(c, cfg.OnUnauthorized)
			return
		}

		var opts []usagemeter.APICheckOption
		if cfg.Window > 0 {
			opts = append(opts, usagemeter.WithWindow(cfg.Window))
		}
		decision, err := cfg.Manager.CheckAPIRateLimit(withTier(c, cfg.GetTier), userID, cfg.GetEndpoint(c), opts...)
		if err != nil {
			fail(c, err, cfg.OnError)
			return
		}

		setHeaders(c, decision.Headers(time.Now()))
		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				defaultRateLimitExceeded(c, decision)
			}
			c.Abort()
			return
		}

		c.Set(APIDecisionKey, decision)
		c.Next()
	}
}

// GetDecision returns the quota decision stored by Middleware
func GetDecision(c *gongin.Context) (*usagemeter.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*usagemeter.Decision)
	return d, ok
}

func withTier(c *gongin.Context, getTier TierExtractor) context.Context {
	ctx := c.Request.Context()
	if getTier != nil {
		if tier := getTier(c); tier != "" {
			ctx = usagemeter.ContextWithTier(ctx, tier)
		}
	}
	return ctx
}

func setHeaders(c *gongin.Context, headers map[string]string) {
	for k, v := range headers {
		c.Header(k, v)
	}
}

// Default error handlers

func unauthorized(c *gongin.Context, handler func(*gongin.Context)) {
	if handler != nil {
		handler(c)
	} else {
		c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
	}
	c.Abort()
}

func fail(c *gongin.Context, err error, handler func(*gongin.Context, error)) {
	if handler != nil {
		handler(c, err)
	} else {
		defaultError(c, err)
	}
	c.Abort()
}

func defaultQuotaExceeded(c *gongin.Context, d *usagemeter.Decision) {
	body := gongin.H{
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
	c.JSON(http.StatusTooManyRequests, body)
}

func defaultRateLimitExceeded(c *gongin.Context, d *usagemeter.APIDecision) {
	c.JSON(http.StatusTooManyRequests, gongin.H{
		"error":       "Rate limit exceeded",
		"limit":       d.Limit,
		"retry_after": d.RetryAfterSeconds,
	})
}

func defaultError(c *gongin.Context, err error) {
	switch status := usagemeter.HTTPStatus(err); status {
	case http.StatusBadRequest:
		c.JSON(status, gongin.H{"error": "Bad Request", "message": err.Error()})
	case http.StatusServiceUnavailable:
		c.Header(usagemeter.HeaderRetryAfter, strconv.Itoa(usagemeter.StorageRetryAfterSeconds))
		c.JSON(status, gongin.H{"error": "Service temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// TierFromHeader returns a TierExtractor that reads a trusted gateway header
func TierFromHeader(headerName string) TierExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FixedLimitType returns a LimitTypeExtractor that always returns lt
func FixedLimitType(lt usagemeter.LimitType) LimitTypeExtractor {
	return func(*gongin.Context) usagemeter.LimitType {
		return lt
	}
}

// LimitTypeFromParam returns a LimitTypeExtractor that reads a route parameter
func LimitTypeFromParam(paramName string) LimitTypeExtractor {
	return func(c *gongin.Context) usagemeter.LimitType {
		return usagemeter.LimitType(c.Param(paramName))
	}
}

// FromRoute returns an EndpointExtractor that uses the matched route pattern,
// falling back to the raw path for unmatched routes
func FromRoute() EndpointExtractor {
	return func(c *gongin.Context) string {
		if p := c.FullPath(); p != "" {
			return p
		}
		return c.Request.URL.Path
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*gongin.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int) AmountExtractor {
	return func(c *gongin.Context) (int, error) {
		return costFunc(c), nil
	}
}
