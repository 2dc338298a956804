// Package auth carries caller identity into request handling.
//
// Authentication happens upstream: the API gateway verifies the session and
// forwards the user id in X-Authenticated-User. This package only trusts and
// propagates that header, and guards operator routes with a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/validation"
)

const (
	// HeaderUser carries the gateway-authenticated user id.
	HeaderUser = "X-Authenticated-User"
	// HeaderAdminSecret carries the operator secret for admin routes.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyUser is the gin context key for the authenticated user id.
	// It matches escrow.AuthUserKey.
	ContextKeyUser = "authUserID"
)

// Middleware copies a well-formed X-Authenticated-User into the gin context.
// Malformed ids are dropped rather than rejected; RequireAuth decides.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderUser)); id != "" && validation.IsValidID(id) {
			c.Set(ContextKeyUser, id)
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a caller identity
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authenticated user required. The gateway must set " + HeaderUser + ".",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret against secret in constant time.
// An empty secret closes admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin routes are disabled.",
			})
			return
		}
		got := []byte(c.GetHeader(HeaderAdminSecret))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Valid " + HeaderAdminSecret + " required.",
			})
			return
		}
		c.Next()
	}
}

// GetAuthenticatedUser returns the caller's user id, or "".
func GetAuthenticatedUser(c *gin.Context) string {
	return c.GetString(ContextKeyUser)
}

// IsAuthenticated checks if the request carries a caller identity
func IsAuthenticated(c *gin.Context) bool {
	return GetAuthenticatedUser(c) != ""
}
