package escrow

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/auth"
	"github.com/swiftline/escrow/internal/gateway"
	"github.com/swiftline/escrow/internal/logging"
	"github.com/swiftline/escrow/internal/metrics"
	"github.com/swiftline/escrow/internal/pagination"
	"github.com/swiftline/escrow/internal/validation"
)

// maxWebhookBody bounds provider callback bodies.
const maxWebhookBody = 64 << 10

// WebhookVerifier authenticates and parses provider callbacks.
type WebhookVerifier interface {
	HandleWebhook(raw []byte, signature string) (*gateway.Event, error)
}

// Handler provides HTTP endpoints for transactions.
type Handler struct {
	service  *Service
	webhooks WebhookVerifier
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithWebhooks enables the provider callback route.
func (h *Handler) WithWebhooks(v WebhookVerifier) *Handler {
	h.webhooks = v
	return h
}

// RegisterRoutes sets up authenticated transaction routes. otpLimit is
// applied to delivery confirmation only; pass nil to skip it.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, otpLimit gin.HandlerFunc) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)

	tx := r.Group("/transactions/:id", validation.TransactionIDParamMiddleware())
	tx.GET("", h.GetTransaction)
	tx.GET("/audit", h.GetAuditTrail)
	tx.POST("/pay", h.InitiatePayment)
	tx.POST("/payment-status", h.PollPayment)
	tx.POST("/accept", h.Accept)
	tx.POST("/reject", h.Reject)
	tx.POST("/ship", h.Ship)
	tx.POST("/release", h.Release)
	tx.POST("/dispute", h.OpenDispute)
	tx.POST("/otp/resend", h.ResendOTP)
	tx.POST("/resolve", auth.RequireRole(auth.RoleAdjudicator, auth.RoleAdmin), h.ResolveDispute)

	confirm := []gin.HandlerFunc{}
	if otpLimit != nil {
		confirm = append(confirm, otpLimit)
	}
	tx.POST("/confirm-delivery", append(confirm, h.ConfirmDelivery)...)
}

// RegisterWebhookRoutes sets up provider callback routes. They carry no
// bearer token; requests are authenticated by signature.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/mpesa/stk", h.MpesaCallback)
}

// --- request bodies ---

type versionedRequest struct {
	ExpectedVersion int64 `json:"expectedVersion"`
}

// RejectRequest is the body of POST /transactions/:id/reject.
type RejectRequest struct {
	versionedRequest
	Reason string `json:"reason"`
}

// ShipRequest is the body of POST /transactions/:id/ship.
type ShipRequest struct {
	versionedRequest
	Courier        string   `json:"courier"`
	TrackingNumber string   `json:"trackingNumber"`
	ProofURLs      []string `json:"proofUrls"`
}

// ConfirmDeliveryRequest is the body of POST /transactions/:id/confirm-delivery.
type ConfirmDeliveryRequest struct {
	versionedRequest
	Code string `json:"code" binding:"required"`
}

// DisputeRequest is the body of POST /transactions/:id/dispute.
type DisputeRequest struct {
	versionedRequest
	Reason string `json:"reason"`
}

// ResolveRequest is the body of POST /transactions/:id/resolve.
type ResolveRequest struct {
	versionedRequest
	Outcome string `json:"outcome" binding:"required"`
	Note    string `json:"note"`
}

// --- handlers ---

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, MaxDescriptionLength)

	tx, err := h.service.Create(c.Request.Context(), Actor{ID: p.ID, Role: RoleBuyer}, req)
	if err != nil {
		if tx != nil {
			// Persisted but not yet initiated; the buyer can retry /pay.
			c.JSON(apperr.HTTPStatus(apperr.KindOf(err)), gin.H{
				"error":       apperr.Code(apperr.KindOf(err)),
				"message":     apperr.Detail(err),
				"transaction": tx,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, ok := h.visibleTransaction(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetAuditTrail handles GET /v1/transactions/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	tx, ok := h.visibleTransaction(c)
	if !ok {
		return
	}
	entries, err := h.service.AuditTrail(c.Request.Context(), tx.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ListTransactions handles GET /v1/transactions?role=&status=&cursor=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	filter := ListFilter{Role: Role(c.Query("role")), Status: Status(c.Query("status"))}
	if filter.Role != "" && filter.Role != RoleBuyer && filter.Role != RoleSeller {
		respondError(c, apperr.New(apperr.KindValidation, "role must be buyer or seller"))
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(c, apperr.New(apperr.KindValidation, "unknown status %q", filter.Status))
		return
	}

	items, next, err := h.service.List(c.Request.Context(), p.ID, filter,
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": items,
		"count":        len(items),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// InitiatePayment handles POST /v1/transactions/:id/pay
func (h *Handler) InitiatePayment(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	tx, err := h.service.InitiatePayment(c.Request.Context(), Actor{ID: p.ID, Role: RoleBuyer}, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// PollPayment handles POST /v1/transactions/:id/payment-status
func (h *Handler) PollPayment(c *gin.Context) {
	if _, ok := h.visibleTransaction(c); !ok {
		return
	}
	outcome, err := h.service.PollPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// Accept handles POST /v1/transactions/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req versionedRequest
	if !bindOptional(c, &req) {
		return
	}
	h.apply(c, RoleSeller, req.ExpectedVersion, SellerAccept{})
}

// Reject handles POST /v1/transactions/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	if !bindOptional(c, &req) {
		return
	}
	h.apply(c, RoleSeller, req.ExpectedVersion, SellerReject{Reason: validation.SanitizeString(req.Reason, 500)})
}

// Ship handles POST /v1/transactions/:id/ship
func (h *Handler) Ship(c *gin.Context) {
	var req ShipRequest
	if !bindOptional(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("courier", req.Courier, 100),
		validation.MaxLength("trackingNumber", req.TrackingNumber, 100),
		validation.HTTPURLs("proofUrls", req.ProofURLs),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	h.apply(c, RoleSeller, req.ExpectedVersion, SellerShip{
		Courier:        req.Courier,
		TrackingNumber: req.TrackingNumber,
		ProofURLs:      req.ProofURLs,
	})
}

// Release handles POST /v1/transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req versionedRequest
	if !bindOptional(c, &req) {
		return
	}
	h.apply(c, RoleBuyer, req.ExpectedVersion, Release{})
}

// OpenDispute handles POST /v1/transactions/:id/dispute. Fraud-signal
// principals dispute on the buyer's behalf.
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if !bindOptional(c, &req) {
		return
	}
	role := RoleBuyer
	if p, ok := auth.GetPrincipal(c); ok && p.Role == auth.RoleFraudSignal {
		role = RoleFraudSignal
	}
	h.apply(c, role, req.ExpectedVersion, OpenDispute{Reason: validation.SanitizeString(req.Reason, 1000)})
}

// ResolveDispute handles POST /v1/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	note := validation.SanitizeString(req.Note, 1000)
	var cmd Command
	switch req.Outcome {
	case ResolutionRelease:
		cmd = ResolveDisputeRelease{Note: note}
	case ResolutionRefund:
		cmd = ResolveDisputeRefund{Note: note}
	default:
		respondError(c, apperr.New(apperr.KindValidation, "outcome must be release or refund"))
		return
	}
	h.apply(c, RoleAdjudicator, req.ExpectedVersion, cmd)
}

// ConfirmDelivery handles POST /v1/transactions/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req ConfirmDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "code is required",
		})
		return
	}
	tx, err := h.service.ConfirmDelivery(c.Request.Context(),
		Actor{ID: p.ID, Role: RoleBuyer}, c.Param("id"), req.Code, req.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ResendOTP handles POST /v1/transactions/:id/otp/resend
func (h *Handler) ResendOTP(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	tx, err := h.service.ResendOTP(c.Request.Context(), Actor{ID: p.ID, Role: RoleBuyer}, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// MpesaCallback handles POST /v1/webhooks/mpesa/stk. Daraja retries any
// non-2xx response, so replays and refused events are acknowledged.
func (h *Handler) MpesaCallback(c *gin.Context) {
	if h.webhooks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Webhooks are not configured"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	ev, err := h.webhooks.HandleWebhook(raw, c.GetHeader(gateway.SignatureHeader))
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		metrics.PaymentEventsTotal.WithLabelValues("webhook", "invalid_signature").Inc()
		logging.L(c.Request.Context()).Warn("rejected webhook with invalid signature", "remoteAddr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"ResultCode": 1, "ResultDesc": "Invalid signature"})
		return
	case err != nil:
		metrics.PaymentEventsTotal.WithLabelValues("webhook", "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Malformed payload"})
		return
	}

	if _, err := h.service.HandlePaymentEvent(c.Request.Context(), ev, "webhook"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Temporary failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// --- helpers ---

func (h *Handler) apply(c *gin.Context, role Role, expectedVersion int64, cmd Command) {
	p, ok := principal(c)
	if !ok {
		return
	}
	tx, err := h.service.Apply(c.Request.Context(), ApplyRequest{
		TransactionID:   c.Param("id"),
		ExpectedVersion: expectedVersion,
		Actor:           Actor{ID: p.ID, Role: role},
		Command:         cmd,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// visibleTransaction loads :id for a party or staff member. Anyone else
// gets the same 404 as for a missing transaction.
func (h *Handler) visibleTransaction(c *gin.Context) (*Transaction, bool) {
	p, ok := principal(c)
	if !ok {
		return nil, false
	}
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !p.IsStaff() && !tx.IsParty(p.ID) {
		respondError(c, apperr.New(apperr.KindNotFound, "transaction not found"))
		return nil, false
	}
	return tx, true
}

func principal(c *gin.Context) (*auth.Principal, bool) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token required",
		})
		return nil, false
	}
	return p, true
}

// bindOptional binds a JSON body when one is present. Transition bodies
// are optional; an empty POST is valid.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	msg := apperr.Detail(err)
	if kind == apperr.KindInternal {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(apperr.HTTPStatus(kind), gin.H{"error": apperr.Code(kind), "message": msg})
}
