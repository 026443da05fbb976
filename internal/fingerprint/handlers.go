package fingerprint

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilguard/internal/logging"
	"github.com/mbd888/sybilguard/internal/metrics"
	"github.com/mbd888/sybilguard/internal/pagination"
	"github.com/mbd888/sybilguard/internal/validation"
)

const (
	maxFieldLength     = 512
	defaultHistorySize = 50
	maxHistorySize     = 1000
)

// Handler provides HTTP endpoints for fingerprint ingestion and history.
type Handler struct {
	store Store
}

// NewHandler creates a new fingerprint handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterIngestRoutes sets up the collaborator write path.
func (h *Handler) RegisterIngestRoutes(r *gin.RouterGroup) {
	r.POST("/fingerprints", h.Record)
}

// RegisterRoutes sets up operator read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/scores/fingerprint/:address/history", validation.AddressParamMiddleware(), h.History)
}

// RecordRequest is the body of POST /v1/fingerprints.
type RecordRequest struct {
	WalletAddress       string   `json:"walletAddress"`
	IPHash              string   `json:"ipHash"`
	DeviceToken         *string  `json:"deviceToken"`
	UserAgent           string   `json:"userAgent"`
	ScreenResolution    string   `json:"screenResolution"`
	Timezone            string   `json:"timezone"`
	Language            string   `json:"language"`
	Platform            string   `json:"platform"`
	HardwareConcurrency *int     `json:"hardwareConcurrency"`
	DeviceMemory        *float64 `json:"deviceMemory"`
}

// Record handles POST /v1/fingerprints
func (h *Handler) Record(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.WalletAddress = validation.SanitizeAddress(req.WalletAddress)
	token := ""
	if req.DeviceToken != nil {
		token = *req.DeviceToken
	}
	if errs := validation.Validate(
		validation.Required("walletAddress", req.WalletAddress),
		validation.ValidAddress("walletAddress", req.WalletAddress),
		validation.Required("ipHash", strings.TrimSpace(req.IPHash)),
		validation.MaxLength("ipHash", req.IPHash, maxFieldLength),
		validation.MaxLength("deviceToken", token, maxFieldLength),
		validation.MaxLength("userAgent", req.UserAgent, maxFieldLength),
		validation.MaxLength("screenResolution", req.ScreenResolution, maxFieldLength),
		validation.MaxLength("timezone", req.Timezone, maxFieldLength),
		validation.MaxLength("language", req.Language, maxFieldLength),
		validation.MaxLength("platform", req.Platform, maxFieldLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	clean := func(s string) string { return validation.SanitizeString(s, maxFieldLength) }
	e := &Event{
		WalletAddress:       req.WalletAddress,
		IPHash:              clean(req.IPHash),
		UserAgent:           clean(req.UserAgent),
		ScreenResolution:    clean(req.ScreenResolution),
		Timezone:            clean(req.Timezone),
		Language:            clean(req.Language),
		Platform:            clean(req.Platform),
		HardwareConcurrency: req.HardwareConcurrency,
		DeviceMemory:        req.DeviceMemory,
	}
	if token = clean(token); token != "" {
		e.DeviceToken = &token
	}
	if err := h.store.Record(c.Request.Context(), e); err != nil {
		logging.L(c.Request.Context()).Error("failed to record fingerprint", "wallet", req.WalletAddress, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "record_failed",
			"message": "Failed to record fingerprint",
		})
		return
	}
	metrics.FingerprintsRecordedTotal.Inc()

	c.JSON(http.StatusCreated, gin.H{"fingerprint": e})
}

// History handles GET /v1/scores/fingerprint/:address/history
func (h *Handler) History(c *gin.Context) {
	limit := defaultHistorySize
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxHistorySize {
		limit = maxHistorySize
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	events, err := h.store.ListByWallet(c.Request.Context(), c.Param("address"), cursor, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list fingerprints", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list fingerprints",
		})
		return
	}
	page := pagination.Paginate(events, limit, func(e *Event) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	c.JSON(http.StatusOK, gin.H{
		"address":    strings.ToLower(c.Param("address")),
		"events":     page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}
