// Package validation provides input validation helpers for the sybilguard API.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilguard/internal/logging"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxReasonLength bounds operator-supplied override reasons.
const MaxReasonLength = 500

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWalletAddress checks for a 0x-prefixed 20-byte hex address.
// Case is not checked; addresses are lowercased before storage.
func IsValidWalletAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return false
	}
	return common.IsHexAddress(addr)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizeAddress normalizes a wallet address to lowercase 0x form.
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid wallet address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidWalletAddress(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a valid wallet address (0x...)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// BatchSize checks that a list is non-empty and at most max entries.
func BatchSize(field string, n, max int) func() *ValidationError {
	return func() *ValidationError {
		if n == 0 {
			return &ValidationError{Field: field, Message: "must contain at least one entry"}
		}
		if n > max {
			return &ValidationError{Field: field, Message: "exceeds maximum batch size"}
		}
		return nil
	}
}

// AddressParamMiddleware validates the :address URL parameter and tags the
// request's log context with the wallet.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr == "" {
			c.Next()
			return
		}
		if !IsValidWalletAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid wallet address (0x + 40 hex chars)",
			})
			return
		}
		c.Request = c.Request.WithContext(logging.WithWallet(c.Request.Context(), addr))
		c.Next()
	}
}
