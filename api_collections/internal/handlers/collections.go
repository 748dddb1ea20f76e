package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"invoicing/api_collections/internal/workflow"
	"invoicing/pkg/middleware"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// SessionResponse is a workflow snapshot plus the last failure, if any.
type SessionResponse struct {
	workflow.Snapshot
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func sessionResponse(w *workflow.Workflow) SessionResponse {
	snap := w.Snapshot()
	resp := SessionResponse{Snapshot: snap}
	if snap.Err != nil {
		_, e := errorResponse(snap.Err)
		resp.Error, resp.ErrorCode, resp.Retryable = e.Error, e.Code, e.Retryable
	}
	return resp
}

func (h *Handler) session(c *gin.Context) (*workflow.Workflow, bool) {
	w, ok := h.sessions.Get(c.Param("id"), middleware.OwnerUserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "collection session not found", Code: "session_not_found"})
		return nil, false
	}
	return w, true
}

// StartCollection opens a new session for the caller.
func (h *Handler) StartCollection(c *gin.Context) {
	deps := h.workflow
	deps.Logger = h.logger
	w := workflow.New(middleware.OwnerUserID(c), deps)
	h.sessions.Put(w)
	h.contextLogger(c).WithField("workflow_id", w.ID()).Debug("Collection session started")
	c.JSON(http.StatusCreated, sessionResponse(w))
}

// GetCollection returns the session state.
func (h *Handler) GetCollection(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}

// CollectionInvoices lists the invoices the session can collect against.
func (h *Handler) CollectionInvoices(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	invoices, err := w.ListInvoices(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoiceViews(invoices)})
}

// SelectInvoice picks the invoice and defaults the amount to its full balance.
func (h *Handler) SelectInvoice(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		InvoiceID string `json:"invoice_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invoice_id is required")
		return
	}
	if err := w.SelectInvoice(c.Request.Context(), req.InvoiceID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}

// SetAmount changes the amount to collect.
func (h *Handler) SetAmount(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Amount money.Amount `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid amount: "+err.Error())
		return
	}
	if err := w.SetAmount(req.Amount); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}

// MethodOptions lists the payment methods with the card option gated on onboarding.
func (h *Handler) MethodOptions(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	options, err := w.MethodOptions(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": options})
}

// FeePreview shows how a card payment of the current amount would be split.
func (h *Handler) FeePreview(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	split, err := w.FeePreview(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, split)
}

// SelectMethod picks how the payment is collected.
func (h *Handler) SelectMethod(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Method models.PaymentMethod `json:"method" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "method is required")
		return
	}
	if err := w.SelectMethod(c.Request.Context(), req.Method); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}

// CaptureDetailsRequest carries either the offline reference or the tokenized card.
type CaptureDetailsRequest struct {
	ReferenceID     string `json:"reference_id"`
	Notes           string `json:"notes"`
	PaymentMethodID string `json:"payment_method_id"`
	ReturnURL       string `json:"return_url"`
	ClientEmail     string `json:"client_email"`
}

// CaptureDetails records the details for the selected method.
func (h *Handler) CaptureDetails(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	var req CaptureDetailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	var err error
	if w.State() == workflow.StateCaptureCardDetails {
		err = w.CaptureCard(models.CardDetails{PaymentMethodID: req.PaymentMethodID, ReturnURL: req.ReturnURL}, req.ClientEmail)
	} else {
		err = w.CaptureTraditional(req.ReferenceID, req.Notes)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}

// Submit runs the payment. A failed payment leaves the session in failed with the reason.
func (h *Handler) Submit(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	if _, err := w.Submit(c.Request.Context()); err != nil {
		status, resp := errorResponse(err)
		if w.State() != workflow.StateFailed {
			h.writeError(c, err)
			return
		}
		h.contextLogger(c).WithField("workflow_id", w.ID()).WithError(err).Info("Collection submit failed")
		c.JSON(status, gin.H{"error": resp.Error, "code": resp.Code, "retryable": resp.Retryable, "session": sessionResponse(w)})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}

// Cancel abandons the session unless a payment is already in flight.
func (h *Handler) Cancel(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	if err := w.Cancel(); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}

// Reset starts the session over after it finished.
func (h *Handler) Reset(c *gin.Context) {
	w, ok := h.session(c)
	if !ok {
		return
	}
	if err := w.Reset(); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(w))
}
