package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Blazingkevin/trustless-escrow/internal/metrics"
	"github.com/Blazingkevin/trustless-escrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service   *Service
	analytics *AnalyticsService
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithAnalytics enables the aggregate stats endpoint.
func (h *Handler) WithAnalytics(a *AnalyticsService) *Handler {
	h.analytics = a
	return h
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/stats", h.GetStats)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/milestones", h.ListMilestones)
	r.GET("/escrows/:id/milestones/:index", h.GetMilestone)
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/milestones", h.CreateEscrowWithMilestones)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/extend", h.ExtendDeadline)
	r.POST("/escrows/:id/claim", h.ClaimEscrow)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/milestones/:index/complete", h.CompleteMilestone)
	r.POST("/escrows/:id/milestones/:index/release", h.ReleaseMilestone)
}

type createEscrowRequest struct {
	Freelancer    string             `json:"freelancer"`
	Arbitrator    string             `json:"arbitrator"`
	Asset         string             `json:"asset"`
	Amount        string             `json:"amount"`
	AttachedValue string             `json:"attachedValue"`
	Deadline      int64              `json:"deadline"` // unix seconds
	Milestones    []milestoneRequest `json:"milestones"`
}

type milestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"` // unix seconds
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Winner string `json:"winner"`
	Amount string `json:"amount"`
	Ruling string `json:"ruling"`
}

type extendRequest struct {
	Deadline int64 `json:"deadline"` // unix seconds
}

// CreateEscrow handles POST /escrows. The authenticated caller becomes
// the client; a milestones array switches to milestone creation.
func (h *Handler) CreateEscrow(c *gin.Context) {
	h.create(c, false)
}

// CreateEscrowWithMilestones handles POST /escrows/milestones. Same
// creation flow, but the milestones array is required.
func (h *Handler) CreateEscrowWithMilestones(c *gin.Context) {
	h.create(c, true)
}

func (h *Handler) create(c *gin.Context, requireMilestones bool) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if requireMilestones && len(req.Milestones) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "At least one milestone is required",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidAddress("freelancer", req.Freelancer),
	}
	if req.Arbitrator != "" {
		validators = append(validators, validation.ValidAddress("arbitrator", req.Arbitrator))
	}
	if req.Asset != "" {
		validators = append(validators, validation.ValidAsset("asset", req.Asset))
	}
	if len(req.Milestones) == 0 {
		validators = append(validators,
			validation.ValidAmount("amount", req.Amount),
			validation.FutureTime("deadline", req.Deadline),
		)
	}
	for i, m := range req.Milestones {
		field := "milestones[" + strconv.Itoa(i) + "]"
		validators = append(validators,
			validation.ValidAmount(field+".amount", m.Amount),
			validation.FutureTime(field+".deadline", m.Deadline),
			validation.MaxLength(field+".description", m.Description, validation.MaxDescriptionLength),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p := CreateParams{
		Client:        c.GetString("callerAddress"),
		Freelancer:    req.Freelancer,
		Arbitrator:    req.Arbitrator,
		Asset:         validation.SanitizeAsset(req.Asset),
		Amount:        req.Amount,
		AttachedValue: req.AttachedValue,
		Deadline:      time.Unix(req.Deadline, 0).UTC(),
	}
	for _, m := range req.Milestones {
		p.Milestones = append(p.Milestones, MilestoneParams{
			Description: validation.SanitizeString(m.Description, validation.MaxDescriptionLength),
			Amount:      m.Amount,
			Deadline:    time.Unix(m.Deadline, 0).UTC(),
		})
	}

	e, err := h.service.Create(c.Request.Context(), p)
	record("create", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /escrows/:id.
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /escrows?party=&status=&limit=&cursor=.
func (h *Handler) ListEscrows(c *gin.Context) {
	filter := ListFilter{
		Party:  c.Query("party"),
		Status: Status(c.Query("status")),
		Limit:  50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
			if filter.Limit > 200 {
				filter.Limit = 200
			}
		}
	}
	if cur := c.Query("cursor"); cur != "" {
		if parsed, err := strconv.ParseUint(cur, 10, 64); err == nil {
			filter.Cursor = parsed
		}
	}

	escrows, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"escrows": escrows, "count": len(escrows)}
	if len(escrows) > 0 {
		resp["nextCursor"] = escrows[len(escrows)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// ListMilestones handles GET /escrows/:id/milestones.
func (h *Handler) ListMilestones(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestones": e.Milestones,
		"count":      len(e.Milestones),
	})
}

// GetMilestone handles GET /escrows/:id/milestones/:index.
func (h *Handler) GetMilestone(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	index, ok := milestoneIndex(c)
	if !ok {
		return
	}
	m, err := h.service.GetMilestone(c.Request.Context(), id, index)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m, "index": index})
}

// ReleaseEscrow handles POST /escrows/:id/release.
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Release(c.Request.Context(), id, c.GetString("callerAddress"))
	record("release", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /escrows/:id/refund.
func (h *Handler) RefundEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Refund(c.Request.Context(), id, c.GetString("callerAddress"))
	record("refund", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ExtendDeadline handles POST /escrows/:id/extend.
func (h *Handler) ExtendDeadline(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Deadline == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "deadline (unix seconds) is required",
		})
		return
	}
	e, err := h.service.ExtendDeadline(c.Request.Context(), id,
		c.GetString("callerAddress"), time.Unix(req.Deadline, 0).UTC())
	record("extend", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ClaimEscrow handles POST /escrows/:id/claim.
func (h *Handler) ClaimEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Claim(c.Request.Context(), id, c.GetString("callerAddress"))
	record("claim", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RaiseDispute handles POST /escrows/:id/dispute.
func (h *Handler) RaiseDispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)
	e, err := h.service.RaiseDispute(c.Request.Context(), id, c.GetString("callerAddress"), reason)
	record("dispute", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolveDispute handles POST /escrows/:id/resolve.
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner, amount, and ruling are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("winner", req.Winner),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("ruling", req.Ruling),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	ruling := validation.SanitizeString(req.Ruling, validation.MaxReasonLength)
	e, err := h.service.ResolveDispute(c.Request.Context(), id,
		c.GetString("callerAddress"), req.Winner, req.Amount, ruling)
	record("resolve", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CompleteMilestone handles POST /escrows/:id/milestones/:index/complete.
func (h *Handler) CompleteMilestone(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	index, ok := milestoneIndex(c)
	if !ok {
		return
	}
	e, err := h.service.CompleteMilestone(c.Request.Context(), id, c.GetString("callerAddress"), index)
	record("complete_milestone", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReleaseMilestone handles POST /escrows/:id/milestones/:index/release.
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	index, ok := milestoneIndex(c)
	if !ok {
		return
	}
	e, err := h.service.ReleaseMilestone(c.Request.Context(), id, c.GetString("callerAddress"), index)
	record("release_milestone", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetStats handles GET /escrows/stats.
func (h *Handler) GetStats(c *gin.Context) {
	if h.analytics == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Analytics are not enabled",
		})
		return
	}
	filter := AnalyticsFilter{
		Freelancer: c.Query("freelancer"),
		Asset:      c.Query("asset"),
	}
	if from := c.Query("from"); from != "" {
		if ts, err := strconv.ParseInt(from, 10, 64); err == nil {
			t := time.Unix(ts, 0).UTC()
			filter.From = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if ts, err := strconv.ParseInt(to, 10, 64); err == nil {
			t := time.Unix(ts, 0).UTC()
			filter.To = &t
		}
	}

	stats, err := h.analytics.GetAnalytics(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if fees, err := h.service.FeeBalances(c.Request.Context()); err == nil && len(fees) > 0 {
		stats.FeesByAsset = fees
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// escrowID parses the :id path param, responding 400 on bad input.
func escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Escrow id must be a non-negative integer",
		})
		return 0, false
	}
	return id, true
}

// milestoneIndex parses the :index path param, responding 400 on bad
// input.
func milestoneIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Milestone index must be a non-negative integer",
		})
		return 0, false
	}
	return index, true
}

// record tracks operation outcomes in the metrics.
func record(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
}

// respondError maps service errors to HTTP responses. Typed errors
// enrich the payload: timing violations carry the eligibility time,
// state errors the current state.
func respondError(c *gin.Context, err error) {
	var timingErr *TimingError
	if errors.As(err, &timingErr) {
		body := gin.H{"error": "timing_violation", "message": timingErr.Error()}
		if !timingErr.EligibleAt.IsZero() {
			body["eligibleAt"] = timingErr.EligibleAt.UTC().Format(time.RFC3339)
		}
		c.JSON(http.StatusConflict, body)
		return
	}
	var stateErr *StateError
	if errors.As(err, &stateErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": stateErr.Error(),
			"state":   stateErr.Current,
		})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMilestoneIndex),
		errors.Is(err, ErrTemplateNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrMilestonePaid), errors.Is(err, ErrNoFunds):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrTemplateInvalid):
		status = http.StatusBadRequest
		code = "template_invalid"
	case errors.Is(err, ErrInvalidParty):
		status = http.StatusBadRequest
		code = "invalid_party"
	case errors.Is(err, ErrNoArbitrator), errors.Is(err, ErrEmptyReason),
		errors.Is(err, ErrEmptyRuling), errors.Is(err, ErrInvalidWinner):
		status = http.StatusBadRequest
		code = "dispute_violation"
	case errors.Is(err, ErrTiming):
		status = http.StatusConflict
		code = "timing_violation"
	case errors.Is(err, ErrTransferFailed):
		status = http.StatusBadGateway
		code = "transfer_failed"
	case errors.Is(err, ErrPaused):
		status = http.StatusServiceUnavailable
		code = "paused"
	case errors.Is(err, ErrReentrancy):
		status = http.StatusConflict
		code = "operation_in_progress"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
