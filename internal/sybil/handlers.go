package sybil

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilguard/internal/logging"
	"github.com/mbd888/sybilguard/internal/validation"
)

// Handler provides the admin HTTP endpoints for scores and overrides.
type Handler struct {
	service *Service
}

// NewHandler creates a new score handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up score routes. Every route is operator-gated by the
// caller's router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/scores", h.ListScores)
	r.GET("/scores/suspicious", h.ListIPClusters)
	r.GET("/scores/tokens", h.ListDeviceClusters)
	r.GET("/scores/flagged", h.ListFlagged)
	r.GET("/scores/audit", h.ListAudit)

	addr := r.Group("", validation.AddressParamMiddleware())
	addr.GET("/scores/fingerprint/:address", h.GetFingerprint)
	addr.DELETE("/scores/fingerprint/:address", h.PurgeFingerprints)
	addr.GET("/scores/wallet/:address", h.GetWalletTier)

	r.POST("/scores/batch/override", h.BatchOverride)
	r.POST("/scores/batch/recalculate", h.BatchRecalculate)
	r.POST("/scores/batch/clear-override", h.BatchClearOverride)
}

// ListScores handles GET /v1/scores
func (h *Handler) ListScores(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	scores, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err, "list_failed", "Failed to list scores")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores)})
}

// ListIPClusters handles GET /v1/scores/suspicious
func (h *Handler) ListIPClusters(c *gin.Context) {
	groups, err := h.service.Clusters().IPClusters(c.Request.Context(), queryInt(c, "minWallets", DefaultMinClusterSize))
	if err != nil {
		h.fail(c, err, "cluster_failed", "Failed to analyze IP clusters")
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": groups, "count": len(groups)})
}

// ListDeviceClusters handles GET /v1/scores/tokens
func (h *Handler) ListDeviceClusters(c *gin.Context) {
	groups, err := h.service.Clusters().DeviceClusters(c.Request.Context(), queryInt(c, "minWallets", DefaultMinClusterSize))
	if err != nil {
		h.fail(c, err, "cluster_failed", "Failed to analyze device clusters")
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": groups, "count": len(groups)})
}

// ListFlagged handles GET /v1/scores/flagged
func (h *Handler) ListFlagged(c *gin.Context) {
	public := c.Query("public") == "true"
	wallets, err := h.service.Flagged(c.Request.Context(), public)
	if err != nil {
		h.fail(c, err, "flagged_failed", "Failed to list flagged wallets")
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets, "count": len(wallets), "public": public})
}

// ListAudit handles GET /v1/scores/audit
func (h *Handler) ListAudit(c *gin.Context) {
	entries, err := h.service.Audit(c.Request.Context(), c.Query("address"), queryInt(c, "limit", 100))
	if err != nil {
		h.fail(c, err, "audit_failed", "Failed to list audit entries")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetFingerprint handles GET /v1/scores/fingerprint/:address
// With preview=true the score is computed but not stored.
func (h *Handler) GetFingerprint(c *gin.Context) {
	get := h.service.Fingerprint
	if c.Query("preview") == "true" {
		get = h.service.PreviewFingerprint
	}
	report, err := get(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.fail(c, err, "score_failed", "Failed to compute score")
		return
	}
	c.JSON(http.StatusOK, report)
}

// PurgeFingerprints handles DELETE /v1/scores/fingerprint/:address
func (h *Handler) PurgeFingerprints(c *gin.Context) {
	n, err := h.service.PurgeFingerprints(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.fail(c, err, "purge_failed", "Failed to purge fingerprints")
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": strings.ToLower(c.Param("address")), "removed": n})
}

// GetWalletTier handles GET /v1/scores/wallet/:address
func (h *Handler) GetWalletTier(c *gin.Context) {
	wt, err := h.service.EffectiveTier(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.fail(c, err, "score_failed", "Failed to resolve effective tier")
		return
	}
	c.JSON(http.StatusOK, wt)
}

type overrideRequest struct {
	Addresses []string `json:"addresses"`
	Tier      string   `json:"tier"`
	Reason    string   `json:"reason"`
}

type addressesRequest struct {
	Addresses []string `json:"addresses"`
}

// BatchOverride handles POST /v1/scores/batch/override
func (h *Handler) BatchOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if !h.validBatch(c, len(req.Addresses)) {
		return
	}
	res, err := h.service.SetOverride(c.Request.Context(), req.Addresses, req.Tier, req.Reason)
	if err != nil {
		h.fail(c, err, "override_failed", "Failed to apply overrides")
		return
	}
	c.JSON(http.StatusOK, res)
}

// BatchRecalculate handles POST /v1/scores/batch/recalculate
func (h *Handler) BatchRecalculate(c *gin.Context) {
	var req addressesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if !h.validBatch(c, len(req.Addresses)) {
		return
	}
	res, err := h.service.Recalculate(c.Request.Context(), req.Addresses)
	if err != nil {
		h.fail(c, err, "recalculate_failed", "Failed to recalculate scores")
		return
	}
	c.JSON(http.StatusOK, res)
}

// BatchClearOverride handles POST /v1/scores/batch/clear-override
func (h *Handler) BatchClearOverride(c *gin.Context) {
	var req addressesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if !h.validBatch(c, len(req.Addresses)) {
		return
	}
	res, err := h.service.ClearOverride(c.Request.Context(), req.Addresses)
	if err != nil {
		h.fail(c, err, "clear_failed", "Failed to clear overrides")
		return
	}
	c.JSON(http.StatusOK, res)
}

// fail maps service errors to status codes. Unknown errors are logged and
// reported with the given code and message.
func (h *Handler) fail(c *gin.Context, err error, code, msg string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"field":   ve.Field,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Score not found"})
	case errors.Is(err, ErrIdentityUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "identity_unavailable",
			"message": "Identity provider is unavailable, try again later",
		})
	default:
		logging.L(c.Request.Context()).Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": code, "message": msg})
	}
}

func (h *Handler) validBatch(c *gin.Context, n int) bool {
	if errs := validation.Validate(
		validation.BatchSize("addresses", n, h.service.MaxBatch()),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
