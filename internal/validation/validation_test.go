package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilguard/internal/logging"
)

func TestIsValidWalletAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidWalletAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidWalletAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		result := SanitizeAddress(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "John"),
		ValidAddress("address", "0x1234567890123456789012345678901234567890"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidAddress("address", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestBatchSize(t *testing.T) {
	tests := []struct {
		n     int
		valid bool
	}{
		{1, true},
		{500, true},
		{0, false},
		{501, false},
	}

	for _, tc := range tests {
		err := BatchSize("addresses", tc.n, 500)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("BatchSize(%d) valid=%v, want %v", tc.n, valid, tc.valid)
		}
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/wallet/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, logging.Wallet(c.Request.Context()))
	})

	tests := []struct {
		path string
		want int
	}{
		{"/wallet/0x1234567890123456789012345678901234567890", http.StatusOK},
		{"/wallet/0xABCDEF1234567890123456789012345678901234", http.StatusOK},
		{"/wallet/not-an-address", http.StatusBadRequest},
		{"/wallet/1234567890123456789012345678901234567890", http.StatusBadRequest},
	}

	for _, tc := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.want)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet/0xABCDEF1234567890123456789012345678901234", nil))
	if got := w.Body.String(); got != "0xabcdef1234567890123456789012345678901234" {
		t.Errorf("wallet on log context = %q", got)
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
