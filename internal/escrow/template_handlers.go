package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Blazingkevin/trustless-escrow/internal/validation"
)

// TemplateHandler provides HTTP endpoints for plan templates.
type TemplateHandler struct {
	service *TemplateService
}

// NewTemplateHandler creates a new template handler.
func NewTemplateHandler(service *TemplateService) *TemplateHandler {
	return &TemplateHandler{service: service}
}

// RegisterRoutes sets up public (read-only) template routes.
func (h *TemplateHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/templates", h.ListTemplates)
	r.GET("/escrows/templates/:id", h.GetTemplate)
}

// RegisterProtectedRoutes sets up auth-required template routes.
func (h *TemplateHandler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/templates", h.CreateTemplate)
	r.DELETE("/escrows/templates/:id", h.DeleteTemplate)
	r.POST("/escrows/templates/:id/instantiate", h.InstantiateTemplate)
}

type templateStepRequest struct {
	Description string `json:"description"`
	Percent     int    `json:"percent"`
	OffsetHours int    `json:"offsetHours"`
}

type createTemplateRequest struct {
	Name  string                `json:"name"`
	Steps []templateStepRequest `json:"steps"`
}

type instantiateTemplateRequest struct {
	Freelancer    string `json:"freelancer"`
	Arbitrator    string `json:"arbitrator"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	AttachedValue string `json:"attachedValue"`
}

// CreateTemplate handles POST /escrows/templates. The authenticated
// caller becomes the owner.
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("name", req.Name),
	}
	for i, s := range req.Steps {
		field := "steps[" + strconv.Itoa(i) + "]"
		validators = append(validators,
			validation.MaxLength(field+".description", s.Description, validation.MaxDescriptionLength))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p := TemplateParams{
		Owner: c.GetString("callerAddress"),
		Name:  req.Name,
	}
	for _, s := range req.Steps {
		p.Steps = append(p.Steps, TemplateStep{
			Description: validation.SanitizeString(s.Description, validation.MaxDescriptionLength),
			Percent:     s.Percent,
			OffsetHours: s.OffsetHours,
		})
	}

	tmpl, err := h.service.CreateTemplate(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"template": tmpl})
}

// GetTemplate handles GET /escrows/templates/:id.
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	tmpl, err := h.service.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": tmpl})
}

// ListTemplates handles GET /escrows/templates?owner=&limit=.
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	templates, err := h.service.ListTemplates(c.Request.Context(), c.Query("owner"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates, "count": len(templates)})
}

// DeleteTemplate handles DELETE /escrows/templates/:id.
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	err := h.service.DeleteTemplate(c.Request.Context(), c.Param("id"), c.GetString("callerAddress"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// InstantiateTemplate handles POST /escrows/templates/:id/instantiate.
// The authenticated caller becomes the client of the new escrow.
func (h *TemplateHandler) InstantiateTemplate(c *gin.Context) {
	var req instantiateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidAddress("freelancer", req.Freelancer),
		validation.ValidAmount("amount", req.Amount),
	}
	if req.Arbitrator != "" {
		validators = append(validators, validation.ValidAddress("arbitrator", req.Arbitrator))
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

	e, err := h.service.Instantiate(c.Request.Context(), c.Param("id"), InstantiateParams{
		Client:        c.GetString("callerAddress"),
		Freelancer:    req.Freelancer,
		Arbitrator:    req.Arbitrator,
		Asset:         validation.SanitizeAsset(req.Asset),
		Amount:        req.Amount,
		AttachedValue: req.AttachedValue,
	})
	record("instantiate_template", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}
