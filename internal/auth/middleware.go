package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilguard/internal/logging"
)

const (
	// ContextKeyOperator is the key for storing the authenticated operator in gin context
	ContextKeyOperator = "authOperator"
)

// Middleware resolves the operator key from the request. On success it sets
// authOperator in the gin context and stores the operator in the request
// context so logs and audit entries carry it. It never aborts.
func Middleware(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := operatorKeyHeader(c)

		name := ""
		if apiKey != "" {
			if op, err := k.Authenticate(apiKey); err == nil {
				name = op
			} else {
				logging.L(c.Request.Context()).Warn("rejected operator key",
					"key", Fingerprint(apiKey), "path", c.FullPath())
			}
		} else if k.anonymous != "" {
			name = k.anonymous
		}

		if name != "" {
			c.Set(ContextKeyOperator, name)
			c.Request = c.Request.WithContext(logging.WithOperator(c.Request.Context(), name))
		}
		c.Next()
	}
}

// RequireOperator rejects requests without an authenticated operator.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator key required. Include 'Authorization: Bearer <key>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireIngestKey gates the fingerprint write path behind a shared key.
// An empty key disables the check (development).
func RequireIngestKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		raw := c.GetHeader("X-Ingest-Key")
		if raw == "" {
			raw = c.GetHeader("Authorization")
		}
		if !MatchShared(raw, key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid ingest key required.",
			})
			return
		}
		c.Next()
	}
}

// Identify resolves the caller for rate limiting without rejecting anything:
// an operator whose key verifies, or the ingest backend presenting the shared
// ingest key. Unverified credentials report false.
func Identify(k *Keyring, ingestKey string) func(c *gin.Context) (string, bool) {
	return func(c *gin.Context) (string, bool) {
		if raw := operatorKeyHeader(c); raw != "" {
			if op, err := k.Authenticate(raw); err == nil {
				return "operator:" + op, true
			}
		}
		raw := c.GetHeader("X-Ingest-Key")
		if raw == "" {
			raw = c.GetHeader("Authorization")
		}
		if MatchShared(raw, ingestKey) {
			return "ingest", true
		}
		return "", false
	}
}

func operatorKeyHeader(c *gin.Context) string {
	for _, h := range []string{"Authorization", "X-API-Key", "X-Admin-Secret"} {
		if v := c.GetHeader(h); v != "" {
			return v
		}
	}
	return ""
}

// GetOperator returns the authenticated operator's name
func GetOperator(c *gin.Context) string {
	name, exists := c.Get(ContextKeyOperator)
	if !exists {
		return ""
	}
	return name.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyOperator)
	return exists
}
