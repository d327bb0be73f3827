// Package echo provides Echo middleware for quota and API rate limit enforcement
package echo

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Context keys under which the middleware stores its decisions
const (
	DecisionKey    = "usagemeter.decision"
	APIDecisionKey = "usagemeter.apiDecision"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// TierExtractor extracts a trusted tier from an Echo context
type TierExtractor func(c echo.Context) string

// LimitTypeExtractor selects the metered limit type
type LimitTypeExtractor func(c echo.Context) usagemeter.LimitType

// EndpointExtractor names the endpoint for API rate limiting
type EndpointExtractor func(c echo.Context) string

// AmountExtractor calculates the increment from the Echo context
type AmountExtractor func(c echo.Context) (int, error)

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

	Options []usagemeter.CheckOption

	// OnDenied is called when a check is denied
	// If nil, uses default response: 429 JSON with the decision
	OnDenied func(c echo.Context, d *usagemeter.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the check fails
	OnError func(c echo.Context, err error) error
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

	OnDenied       func(c echo.Context, d *usagemeter.APIDecision) error
	OnUnauthorized func(c echo.Context) error
	OnError        func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces quota limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("usagemeter/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("usagemeter/echo: Config.GetUserID is required")
	}
	if cfg.GetLimitType == nil {
		panic("usagemeter/echo: Config.GetLimitType is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(1)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return unauthorized(c, cfg.OnUnauthorized)
			}

			amount, err := cfg.GetAmount(c)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("invalid amount: %d", amount)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			opts := append([]usagemeter.CheckOption{usagemeter.WithIncrement(amount)}, cfg.Options...)
			decision, err := cfg.Manager.CheckRateLimit(withTier(c, cfg.GetTier), userID, cfg.GetLimitType(c), opts...)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			setHeaders(c, decision.Headers(time.Now()))
			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return defaultQuotaExceeded(c, decision)
			}

			c.Set(DecisionKey, decision)
			return next(c)
		}
	}
}

// APIRateLimit creates an Echo middleware that enforces the sliding-window API limit
func APIRateLimit(cfg APIConfig) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("usagemeter/echo: APIConfig.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("usagemeter/echo: APIConfig.GetUserID is required")
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = FromRoute()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return unauthorized(c, cfg.OnUnauthorized)
			}

			var opts []usagemeter.APICheckOption
			if cfg.Window > 0 {
				opts = append(opts, usagemeter.WithWindow(cfg.Window))
			}
			decision, err := cfg.Manager.CheckAPIRateLimit(withTier(c, cfg.GetTier), userID, cfg.GetEndpoint(c), opts...)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			setHeaders(c, decision.Headers(time.Now()))
			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "Rate limit exceeded",
					"limit":       decision.Limit,
					"retry_after": decision.RetryAfterSeconds,
				})
			}

			c.Set(APIDecisionKey, decision)
			return next(c)
		}
	}
}

func withTier(c echo.Context, getTier TierExtractor) context.Context {
	ctx := c.Request().Context()
	if getTier != nil {
		if tier := getTier(c); tier != "" {
			ctx = usagemeter.ContextWithTier(ctx, tier)
		}
	}
	return ctx
}

func setHeaders(c echo.Context, headers map[string]string) {
	h := c.Response().Header()
	for k, v := range headers {
		h.Set(k, v)
	}
}

// Default error handlers

func unauthorized(c echo.Context, handler func(echo.Context) error) error {
	if handler != nil {
		return handler(c)
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c echo.Context, d *usagemeter.Decision) error {
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
	return c.JSON(http.StatusTooManyRequests, body)
}

func defaultError(c echo.Context, err error) error {
	switch status := usagemeter.HTTPStatus(err); status {
	case http.StatusBadRequest:
		return c.JSON(status, map[string]string{"error": "Bad Request", "message": err.Error()})
	case http.StatusServiceUnavailable:
		c.Response().Header().Set(usagemeter.HeaderRetryAfter, strconv.Itoa(usagemeter.StorageRetryAfterSeconds))
		return c.JSON(status, map[string]string{"error": "Service temporarily unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// TierFromHeader returns a TierExtractor that reads a trusted gateway header
func TierFromHeader(headerName string) TierExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedLimitType returns a LimitTypeExtractor that always returns lt
func FixedLimitType(lt usagemeter.LimitType) LimitTypeExtractor {
	return func(echo.Context) usagemeter.LimitType {
		return lt
	}
}

// LimitTypeFromParam returns a LimitTypeExtractor that reads a route parameter
func LimitTypeFromParam(paramName string) LimitTypeExtractor {
	return func(c echo.Context) usagemeter.LimitType {
		return usagemeter.LimitType(c.Param(paramName))
	}
}

// FromRoute returns an EndpointExtractor that uses the matched route pattern
func FromRoute() EndpointExtractor {
	return func(c echo.Context) string {
		if p := c.Path(); p != "" {
			return p
		}
		return c.Request().URL.Path
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(echo.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(echo.Context) int) AmountExtractor {
	return func(c echo.Context) (int, error) {
		return costFunc(c), nil
	}
}
