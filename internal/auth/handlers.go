package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Blazingkevin/trustless-escrow/internal/validation"
)

// Handler provides HTTP endpoints for account registration and key
// management.
type Handler struct {
	manager *Manager
}

// NewHandler creates an auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

type registerRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Register handles POST /treasury/accounts. Claims an address and returns
// its first API key. The claim is first-come; a taken address conflicts.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("address", req.Address),
		validation.ValidAddress("address", req.Address),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	name := req.Name
	if name == "" {
		name = "Initial key"
	}

	rawKey, key, err := h.manager.Register(c.Request.Context(), req.Address, validation.SanitizeString(name, 255))
	if err != nil {
		if errors.Is(err, ErrAddressTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "address_taken",
				"message": "Address is already registered. Use an existing key to mint more.",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register account",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"address": key.Address,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns the authenticated caller's keys, hashes omitted.
func (h *Handler) ListKeys(c *gin.Context) {
	caller := CallerAddress(c)

	keys, err := h.manager.ListKeys(c.Request.Context(), caller)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}

	out := make([]gin.H, len(keys))
	for i, k := range keys {
		out[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}
	c.JSON(http.StatusOK, gin.H{"keys": out, "count": len(out)})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey mints an additional key for the authenticated caller.
func (h *Handler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), CallerAddress(c), validation.SanitizeString(req.Name, 255))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's keys. The key in use cannot revoke
// itself; that would strand the account mid-request.
func (h *Handler) RevokeKey(c *gin.Context) {
	current, _ := GetAPIKey(c)
	keyID := c.Param("keyId")

	if current != nil && keyID == current.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you are using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, CallerAddress(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Key not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked", "keyId": keyID})
}

// Whoami returns the authenticated caller's identity.
func (h *Handler) Whoami(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   key.Address,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
