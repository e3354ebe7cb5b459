package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swiftline/escrow/internal/auth"
	"github.com/swiftline/escrow/internal/pagination"
	"github.com/swiftline/escrow/internal/validation"
)

// PhoneBook receives seller phone numbers when payout methods are saved so
// that notifications can reach them.
type PhoneBook interface {
	Set(userID, phone string)
}

// Handler provides HTTP endpoints for payouts and payout methods.
type Handler struct {
	dispatcher *Dispatcher
	registry   Registry
	phones     PhoneBook
}

// NewHandler creates a new payout handler.
func NewHandler(dispatcher *Dispatcher, registry Registry) *Handler {
	return &Handler{dispatcher: dispatcher, registry: registry}
}

// WithPhoneBook registers seller phones on method save.
func (h *Handler) WithPhoneBook(p PhoneBook) *Handler {
	h.phones = p
	return h
}

// RegisterRoutes sets up payout routes. All require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	staff := auth.RequireRole(auth.RoleAdjudicator, auth.RoleAdmin)

	r.GET("/payouts", staff, h.ListPayouts)
	r.GET("/payouts/:id", h.GetPayout)
	r.POST("/payouts/:id/retry", staff, h.RetryPayout)
	r.GET("/payout-methods/default", h.GetDefaultMethod)
	r.PUT("/payout-methods/default", h.SetDefaultMethod)
}

// ListPayouts handles GET /v1/payouts?status=
func (h *Handler) ListPayouts(c *gin.Context) {
	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "status must be one of PENDING, SENDING, SENT, FAILED",
		})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	items, err := h.dispatcher.List(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list payouts",
		})
		return
	}
	if items == nil {
		items = []*Instruction{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": items, "count": len(items)})
}

// GetPayout handles GET /v1/payouts/:id. Recipients may read their own.
func (h *Handler) GetPayout(c *gin.Context) {
	inst, err := h.dispatcher.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrInstructionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payout not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get payout"})
		return
	}

	p, _ := auth.GetPrincipal(c)
	if p == nil || (!p.IsStaff() && p.ID != inst.RecipientID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payout not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": inst})
}

// RetryPayout handles POST /v1/payouts/:id/retry
func (h *Handler) RetryPayout(c *gin.Context) {
	inst, err := h.dispatcher.Retry(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrInstructionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payout not found"})
		return
	case errors.Is(err, ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": "guard_violation", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to retry payout"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": inst})
}

// GetDefaultMethod handles GET /v1/payout-methods/default
func (h *Handler) GetDefaultMethod(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	if p == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required"})
		return
	}
	m, err := h.registry.Default(c.Request.Context(), p.ID)
	if errors.Is(err, ErrNoPayoutMethod) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_payout_method", "message": "No default payout method registered"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get payout method"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payoutMethod": m})
}

// SetDefaultMethodRequest is the body of PUT /v1/payout-methods/default.
type SetDefaultMethodRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// SetDefaultMethod handles PUT /v1/payout-methods/default
func (h *Handler) SetDefaultMethod(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	if p == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required"})
		return
	}

	var req SetDefaultMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.ValidPhone("phone", req.Phone)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	phone := validation.NormalizeMSISDN(req.Phone)

	m, err := h.registry.SetDefault(c.Request.Context(), p.ID, phone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to save payout method"})
		return
	}
	if h.phones != nil {
		h.phones.Set(p.ID, phone)
	}
	c.JSON(http.StatusOK, gin.H{"payoutMethod": m})
}
