// Package fiber provides Fiber middleware for quota and API rate limit enforcement
package fiber

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Locals keys under which the middleware stores its decisions
const (
	DecisionKey    = "usagemeter.decision"
	APIDecisionKey = "usagemeter.apiDecision"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// TierExtractor extracts a trusted tier from a Fiber context
type TierExtractor func(c *fiber.Ctx) string

// LimitTypeExtractor selects the metered limit type
type LimitTypeExtractor func(c *fiber.Ctx) usagemeter.LimitType

// EndpointExtractor names the endpoint for API rate limiting
type EndpointExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the increment from the Fiber context
type AmountExtractor func(c *fiber.Ctx) (int, error)

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
	OnDenied func(c *fiber.Ctx, d *usagemeter.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the check fails
	OnError func(c *fiber.Ctx, err error) error
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

	OnDenied       func(c *fiber.Ctx, d *usagemeter.APIDecision) error
	OnUnauthorized func(c *fiber.Ctx) error
	OnError        func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces quota limits
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("usagemeter/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("usagemeter/fiber: Config.GetUserID is required")
	}
	if cfg.GetLimitType == nil {
		panic("usagemeter/fiber: Config.GetLimitType is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(1)
	}

	return func(c *fiber.Ctx) error {
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
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
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

		c.Locals(DecisionKey, decision)
		return c.Next()
	}
}

// APIRateLimit creates a Fiber middleware that enforces the sliding-window API limit
func APIRateLimit(cfg APIConfig) fiber.Handler {
	if cfg.Manager == nil {
		panic("usagemeter/fiber: APIConfig.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("usagemeter/fiber: APIConfig.GetUserID is required")
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = FromRoute()
	}

	return func(c *fiber.Ctx) error {
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
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded",
				"limit":       decision.Limit,
				"retry_after": decision.RetryAfterSeconds,
			})
		}

		c.Locals(APIDecisionKey, decision)
		return c.Next()
	}
}

func withTier(c *fiber.Ctx, getTier TierExtractor) context.Context {
	ctx := c.UserContext()
	if getTier != nil {
		if tier := getTier(c); tier != "" {
			ctx = usagemeter.ContextWithTier(ctx, tier)
		}
	}
	return ctx
}

func setHeaders(c *fiber.Ctx, headers map[string]string) {
	for k, v := range headers {
		c.Set(k, v)
	}
}

// Default error handlers

func unauthorized(c *fiber.Ctx, handler func(*fiber.Ctx) error) error {
	if handler != nil {
		return handler(c)
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c *fiber.Ctx, d *usagemeter.Decision) error {
	body := fiber.Map{
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
	return c.Status(fiber.StatusTooManyRequests).JSON(body)
}

func defaultError(c *fiber.Ctx, err error) error {
	switch status := usagemeter.HTTPStatus(err); status {
	case fiber.StatusBadRequest:
		return c.Status(status).JSON(fiber.Map{"error": "Bad Request", "message": err.Error()})
	case fiber.StatusServiceUnavailable:
		c.Set(usagemeter.HeaderRetryAfter, strconv.Itoa(usagemeter.StorageRetryAfterSeconds))
		return c.Status(status).JSON(fiber.Map{"error": "Service temporarily unavailable"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by auth middleware via c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// TierFromHeader returns a TierExtractor that reads a trusted gateway header
func TierFromHeader(headerName string) TierExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedLimitType returns a LimitTypeExtractor that always returns lt
func FixedLimitType(lt usagemeter.LimitType) LimitTypeExtractor {
	return func(*fiber.Ctx) usagemeter.LimitType {
		return lt
	}
}

// LimitTypeFromParam returns a LimitTypeExtractor that reads a route parameter
func LimitTypeFromParam(paramName string) LimitTypeExtractor {
	return func(c *fiber.Ctx) usagemeter.LimitType {
		return usagemeter.LimitType(c.Params(paramName))
	}
}

// FromRoute returns an EndpointExtractor that uses the matched route pattern
func FromRoute() EndpointExtractor {
	return func(c *fiber.Ctx) string {
		return c.Route().Path
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*fiber.Ctx) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*fiber.Ctx) int) AmountExtractor {
	return func(c *fiber.Ctx) (int, error) {
		return costFunc(c), nil
	}
}
