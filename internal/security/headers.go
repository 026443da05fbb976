// Package security provides HTTP hardening middleware for the sybilguard API
// and validation for configured upstream URLs.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, X-API-Key, X-Ingest-Key"
	corsMaxAge  = "86400"
)

// responseHeaders apply to every response. The API only serves JSON, so the
// CSP forbids loading anything.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
}

// HeadersMiddleware adds hardening headers to all responses.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range responseHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests from allowedOrigins. An empty
// list or "*" admits any origin without credentials; named origins also get
// Allow-Credentials. Preflights from other origins are refused.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	named := make(map[string]struct{}, len(allowedOrigins))
	wildcard := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
		} else if o != "" {
			named[o] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions
		if origin == "" {
			if preflight {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		_, isNamed := named[origin]
		if !isNamed && !wildcard {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		h.Set("Access-Control-Allow-Origin", origin)
		if isNamed {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if preflight {
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
