package treasury

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
	"github.com/Blazingkevin/trustless-escrow/internal/validation"
)

// Handler provides HTTP endpoints for treasury operations. All routes
// act on the authenticated caller's own account.
type Handler struct {
	service *Service
}

// NewHandler creates a new treasury handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up auth-required treasury routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/treasury/balance", h.GetBalance)
	r.GET("/treasury/history", h.GetHistory)
	r.POST("/treasury/deposits", h.RecordDeposit)
	r.GET("/treasury/allowances", h.ListAllowances)
	r.POST("/treasury/allowances", h.SetAllowance)
	r.POST("/treasury/withdrawals", h.RequestWithdrawal)
}

// GetBalance handles GET /treasury/balance?asset=. Without an asset it
// returns every position the caller holds.
func (h *Handler) GetBalance(c *gin.Context) {
	caller := c.GetString("callerAddress")

	if asset := c.Query("asset"); asset != "" {
		bal, err := h.service.Balance(c.Request.Context(), caller, validation.SanitizeAsset(asset))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
		return
	}

	balances, err := h.service.Balances(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances, "count": len(balances)})
}

// GetHistory handles GET /treasury/history?limit=.
func (h *Handler) GetHistory(c *gin.Context) {
	caller := c.GetString("callerAddress")

	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	entries, err := h.service.History(c.Request.Context(), caller, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	TxHash string `json:"txHash"`
}

// RecordDeposit handles POST /treasury/deposits. This is the dev and
// native on-ramp; token deposits normally arrive through the chain
// watcher. A missing txHash gets a generated dev hash.
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidAmount("amount", req.Amount),
	}
	if req.Asset != "" {
		validators = append(validators, validation.ValidAsset("asset", req.Asset))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	asset := validation.SanitizeAsset(req.Asset)
	txHash := req.TxHash
	if txHash == "" {
		txHash = "dev:" + idgen.Hex(16)
	}

	err := h.service.Deposit(c.Request.Context(), c.GetString("callerAddress"), asset, req.Amount, txHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "credited", "txHash": txHash})
}

type allowanceRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// SetAllowance handles POST /treasury/allowances. The escrow service is
// the only spender, so the allowance is keyed by owner and asset.
func (h *Handler) SetAllowance(c *gin.Context) {
	var req allowanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("asset", req.Asset),
		validation.ValidAsset("asset", req.Asset),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller := c.GetString("callerAddress")
	if err := h.service.Approve(c.Request.Context(), caller, validation.SanitizeAsset(req.Asset), req.Amount); err != nil {
		respondError(c, err)
		return
	}

	allowance, err := h.service.Allowance(c.Request.Context(), caller, validation.SanitizeAsset(req.Asset))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowance": allowance})
}

// ListAllowances handles GET /treasury/allowances.
func (h *Handler) ListAllowances(c *gin.Context) {
	allowances, err := h.service.Allowances(c.Request.Context(), c.GetString("callerAddress"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowances": allowances, "count": len(allowances)})
}

type withdrawRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

// RequestWithdrawal handles POST /treasury/withdrawals. The destination
// defaults to the caller's own address.
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller := c.GetString("callerAddress")
	to := req.To
	if to == "" {
		to = caller
	}

	validators := []func() *validation.ValidationError{
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAddress("to", to),
	}
	if req.Asset != "" {
		validators = append(validators, validation.ValidAsset("asset", req.Asset))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	receipt, err := h.service.Withdraw(c.Request.Context(), caller, validation.SanitizeAsset(req.Asset), req.Amount, to)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if receipt.Status == "pending" {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"withdrawal": receipt})
}

// respondError maps treasury errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicateDeposit):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_deposit",
			"message": "Deposit already processed",
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": "Available balance does not cover the requested amount",
		})
	case errors.Is(err, ErrInsufficientAllowance):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_allowance",
			"message": "Remaining allowance does not cover the requested amount",
		})
	case errors.Is(err, ErrTransferFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "transfer_failed",
			"message": "On-chain transfer failed; funds were returned to the balance",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
