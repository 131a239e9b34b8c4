// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/gofiber/fiber/v3"
)

// Locals keys set by AuthMiddleware
const (
	TenantIDLocal  = "tenant_id"
	RequestIDLocal = "request_id"
)

// AuthMiddleware validates API keys and extracts the tenant scope of a request
type AuthMiddleware struct {
	apiKeys [][]byte
}

// NewAuthMiddleware creates a new authentication middleware. With no keys configured
// every request is accepted.
func NewAuthMiddleware(apiKeys []string) *AuthMiddleware {
	keys := make([][]byte, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return &AuthMiddleware{apiKeys: keys}
}

// Authenticate checks X-API-Key and stores the optional X-Tenant-ID in locals
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		if len(m.apiKeys) > 0 {
			apiKey := c.Get("X-API-Key")
			if apiKey == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
					Success: false,
					Message: "API key is required",
					Error:   dto.ErrorDetail{Code: "MISSING_API_KEY"},
				})
			}
			if !m.validKey(apiKey) {
				return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
					Success: false,
					Message: "Invalid API key",
					Error:   dto.ErrorDetail{Code: "INVALID_API_KEY"},
				})
			}
		}

		if raw := c.Get("X-Tenant-ID"); raw != "" {
			tenantID, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || tenantID == 0 {
				return c.Status(fiber.StatusBadRequest).JSON(dto.APIResponse{
					Success: false,
					Message: "X-Tenant-ID must be a positive integer",
					Error:   dto.ErrorDetail{Code: "INVALID_TENANT_ID"},
				})
			}
			c.Locals(TenantIDLocal, uint(tenantID))
		}

		// Store RequestID for log correlation
		if requestID := c.Get("X-Request-ID"); requestID != "" {
			c.Locals(RequestIDLocal, requestID)
		}

		return c.Next()
	}
}

func (m *AuthMiddleware) validKey(key string) bool {
	given := []byte(key)
	for _, k := range m.apiKeys {
		if subtle.ConstantTimeCompare(given, k) == 1 {
			return true
		}
	}
	return false
}
