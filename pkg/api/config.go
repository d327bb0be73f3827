package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Default identity headers set by the authenticating gateway
const (
	DefaultUserIDHeader = "X-User-ID"
	DefaultTierHeader   = "X-User-Tier"
)

// Config holds configuration for the usage API handler
type Config struct {
	// Manager is the usage manager instance (required)
	Manager *usagemeter.Manager

	// GetUserID extracts user ID from HTTP request
	// Default: the X-User-ID header
	GetUserID func(*http.Request) string

	// GetTier extracts a trusted tier from HTTP request (optional)
	// If nil, the Manager resolves the tier itself
	GetTier func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records failed requests (default: no-op)
	Logger usagemeter.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromHeader(DefaultUserIDHeader)
	}
	if config.Logger == nil {
		config.Logger = &usagemeter.NoopLogger{}
	}
	return newHandler(config), nil
}

// Helper functions for common extraction patterns

// FromHeader returns a function that reads a request header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
