package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Blazingkevin/trustless-escrow/internal/reconciliation"
)

// EscrowAdmin is the slice of the escrow service the admin surface drives.
type EscrowAdmin interface {
	Paused() bool
	SetPaused(v bool)
	FeeBps() int64
	SetFeeBps(bps int64) error
	FeeBalances(ctx context.Context) (map[string]string, error)
}

// Reconciler runs the conservation checks on demand.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	escrow     EscrowAdmin
	reconciler Reconciler
	logger     *slog.Logger
	onPause    func(paused bool)
}

// NewHandler creates an admin handler over the escrow service.
func NewHandler(escrow EscrowAdmin) *Handler {
	return &Handler{escrow: escrow, logger: slog.Default()}
}

// WithLogger sets the logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l
	return h
}

// WithPauseHook registers a callback invoked after each pause flip, so
// the server can announce the change to subscribers.
func (h *Handler) WithPauseHook(fn func(paused bool)) *Handler {
	h.onPause = fn
	return h
}

// WithReconciler enables the on-demand reconciliation endpoint.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes. Mount behind RequireSecret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/status", h.Status)
	r.POST("/admin/pause", h.Pause)
	r.POST("/admin/unpause", h.Unpause)
	r.PUT("/admin/fee", h.SetFee)
	r.GET("/admin/fees", h.FeeLedger)
	r.GET("/admin/reconciliation", h.Reconcile)
}

// Status reports the pause flag and current fee rate.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"paused": h.escrow.Paused(),
		"feeBps": h.escrow.FeeBps(),
	})
}

// Pause flips the global kill switch on. Every mutating escrow operation
// fails with ErrPaused until unpause; reads keep working.
func (h *Handler) Pause(c *gin.Context) {
	h.escrow.SetPaused(true)
	h.logger.Warn("escrow operations paused", "by", c.ClientIP())
	if h.onPause != nil {
		h.onPause(true)
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// Unpause flips the kill switch off.
func (h *Handler) Unpause(c *gin.Context) {
	h.escrow.SetPaused(false)
	h.logger.Warn("escrow operations unpaused", "by", c.ClientIP())
	if h.onPause != nil {
		h.onPause(false)
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

type setFeeRequest struct {
	FeeBps *int64 `json:"feeBps"`
}

// SetFee handles PUT /admin/fee. Applies to escrows created after the
// change; funded escrows keep the rate they were created under.
func (h *Handler) SetFee(c *gin.Context) {
	var req setFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FeeBps == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must include feeBps",
		})
		return
	}

	if err := h.escrow.SetFeeBps(*req.FeeBps); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	h.logger.Info("platform fee updated", "feeBps", *req.FeeBps, "by", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"feeBps": h.escrow.FeeBps()})
}

// Reconcile handles GET /admin/reconciliation: runs the conservation
// checks now and returns the report. A mismatch does not change the
// status code; the report's healthy flag carries the verdict.
func (h *Handler) Reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "Reconciliation is not configured",
		})
		return
	}

	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation run failed",
		})
		return
	}

	if !report.Healthy {
		h.logger.Error("reconciliation found mismatches", "by", c.ClientIP())
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// FeeLedger handles GET /admin/fees: accrued platform fees by asset.
func (h *Handler) FeeLedger(c *gin.Context) {
	balances, err := h.escrow.FeeBalances(c.Request.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read fee ledger",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"fees": balances})
}
