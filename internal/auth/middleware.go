package auth

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/phraseclaim/internal/logging"
)

// ContextKeyAddress is the gin context key holding the authenticated
// caller address as a 0x hex string.
const ContextKeyAddress = "authAddress"

// Middleware validates a bearer token when one is present and records the
// caller. Requests without a valid token pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			if addr, err := m.Verify(header); err == nil {
				c.Set(ContextKeyAddress, addr.Hex())
				c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), addr.Hex()))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Obtain one from POST /v1/auth/token.",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the authenticated address, or the zero address.
func Caller(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString(ContextKeyAddress))
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAddress)
	return exists
}
