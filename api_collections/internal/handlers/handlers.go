// Package handlers exposes the collections service over HTTP: the processor webhook,
// invoice and connected-account endpoints, and the collection workflow sessions.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"

	"invoicing/api_collections/internal/balance"
	"invoicing/api_collections/internal/connect"
	"invoicing/api_collections/internal/reconcile"
	"invoicing/api_collections/internal/store"
	"invoicing/api_collections/internal/workflow"
	"invoicing/pkg/logging"
	"invoicing/pkg/middleware"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
	"invoicing/pkg/monitoring"
)

// EventVerifier authenticates an inbound processor notification.
type EventVerifier interface {
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)
}

// Reconciler is the payment write path.
type Reconciler interface {
	Reconcile(ctx context.Context, req reconcile.Request) (*reconcile.Result, error)
	ListPayments(ctx context.Context, invoiceID string) ([]*models.Payment, error)
}

// LinkConfig holds the default onboarding redirect targets.
type LinkConfig struct {
	ReturnURL  string
	RefreshURL string
}

// Metrics are the HTTP-layer collectors.
type Metrics struct {
	WebhookEvents    *prometheus.CounterVec
	WebhookAnomalies *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
}

// NewMetrics registers the handler collectors on mc.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		WebhookEvents:    mc.NewCounter("webhook_events_total", "Processor webhook events by type and outcome", []string{"type", "outcome"}),
		WebhookAnomalies: mc.NewCounter("webhook_anomalies_total", "Webhook payments that could not be applied", []string{"reason"}),
		ActiveSessions:   mc.NewGauge("collection_sessions_active", "Collection workflow sessions held in memory", nil).WithLabelValues(),
	}
}

// Deps wires the handler.
type Deps struct {
	Store      store.Store
	Reconciler Reconciler
	Connect    *connect.Service
	Verifier   EventVerifier
	// Workflow is the template each new session is built from.
	Workflow workflow.Deps
	Sessions *Sessions
	Links    LinkConfig
	Metrics  *Metrics
	Logger   logging.Logger
}

// Handler serves the collections API.
type Handler struct {
	store      store.Store
	reconciler Reconciler
	connect    *connect.Service
	verifier   EventVerifier
	workflow   workflow.Deps
	sessions   *Sessions
	links      LinkConfig
	metrics    *Metrics
	logger     logging.Logger
}

// New creates a Handler.
func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessions(DefaultSessionTTL, 0, nil)
	}
	return &Handler{
		store:      deps.Store,
		reconciler: deps.Reconciler,
		connect:    deps.Connect,
		verifier:   deps.Verifier,
		workflow:   deps.Workflow,
		sessions:   deps.Sessions,
		links:      deps.Links,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

// Register mounts the routes. Webhooks are unauthenticated; /api requires the service token.
func (h *Handler) Register(r *gin.Engine, apiToken string) {
	r.POST("/webhooks/stripe", h.HandleStripeWebhook)

	api := r.Group("/api")
	api.Use(middleware.ServiceAuthMiddleware(apiToken))
	{
		api.GET("/invoices/unpaid", h.ListUnpaidInvoices)
		api.GET("/invoices/:id/payments", h.ListPayments)
		api.POST("/invoices/:id/payments", h.RecordPayment)

		api.GET("/connect/account", h.GetConnectedAccount)
		api.POST("/connect/account", h.SetupConnectedAccount)
		api.POST("/connect/account/refresh", h.RefreshConnectedAccount)
		api.POST("/connect/account/link", h.CreateOnboardingLink)

		sessions := api.Group("/collections")
		{
			sessions.POST("", h.StartCollection)
			sessions.GET("/:id", h.GetCollection)
			sessions.GET("/:id/invoices", h.CollectionInvoices)
			sessions.POST("/:id/invoice", h.SelectInvoice)
			sessions.PUT("/:id/amount", h.SetAmount)
			sessions.GET("/:id/methods", h.MethodOptions)
			sessions.GET("/:id/fees", h.FeePreview)
			sessions.POST("/:id/method", h.SelectMethod)
			sessions.POST("/:id/details", h.CaptureDetails)
			sessions.POST("/:id/submit", h.Submit)
			sessions.POST("/:id/cancel", h.Cancel)
			sessions.POST("/:id/reset", h.Reset)
		}
	}
}

func (h *Handler) contextLogger(c *gin.Context) *logrus.Entry {
	return middleware.GetContextLogger(c, h.logger)
}

// InvoiceView is an invoice with its computed balance.
type InvoiceView struct {
	*models.Invoice
	BalanceDue money.Amount `json:"balance_due"`
}

func invoiceViews(invoices []*models.Invoice) []InvoiceView {
	views := make([]InvoiceView, 0, len(invoices))
	for _, inv := range invoices {
		due, _ := balance.Due(inv)
		views = append(views, InvoiceView{Invoice: inv, BalanceDue: due})
	}
	return views
}

// ListUnpaidInvoices returns the caller's invoices that still have a balance.
func (h *Handler) ListUnpaidInvoices(c *gin.Context) {
	invoices, err := h.store.ListUnpaidInvoices(c.Request.Context(), middleware.OwnerUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoiceViews(invoices)})
}

// ownedInvoice loads the path invoice and hides invoices of other payees.
func (h *Handler) ownedInvoice(c *gin.Context) (*models.Invoice, bool) {
	inv, err := h.store.GetInvoice(c.Request.Context(), c.Param("id"))
	if err == nil && inv.OwnerUserID != middleware.OwnerUserID(c) {
		err = store.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = &reconcile.Error{Code: reconcile.CodeInvoiceNotFound, InvoiceID: c.Param("id")}
		}
		h.writeError(c, err)
		return nil, false
	}
	return inv, true
}

// ListPayments returns the payments recorded against an invoice.
func (h *Handler) ListPayments(c *gin.Context) {
	inv, ok := h.ownedInvoice(c)
	if !ok {
		return
	}
	payments, err := h.reconciler.ListPayments(c.Request.Context(), inv.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// RecordPaymentRequest records an offline payment.
type RecordPaymentRequest struct {
	Amount      money.Amount         `json:"amount"`
	Method      models.PaymentMethod `json:"method" binding:"required"`
	ReferenceID string               `json:"reference_id"`
	Notes       string               `json:"notes"`
}

// PaymentResponse is a committed payment and the invoice after it.
type PaymentResponse struct {
	Payment   *models.Payment `json:"payment"`
	Invoice   InvoiceView     `json:"invoice"`
	Duplicate bool            `json:"duplicate"`
}

func paymentResponse(result *reconcile.Result) PaymentResponse {
	due, _ := balance.Due(result.Invoice)
	return PaymentResponse{
		Payment:   result.Payment,
		Invoice:   InvoiceView{Invoice: result.Invoice, BalanceDue: due},
		Duplicate: result.Duplicate,
	}
}

// RecordPayment records a cash, check, bank transfer or other payment. Card payments
// are only recorded by the workflow and the processor webhook.
func (h *Handler) RecordPayment(c *gin.Context) {
	var req RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Method.IsCard() {
		badRequest(c, "card payments are collected through a collection session")
		return
	}
	inv, ok := h.ownedInvoice(c)
	if !ok {
		return
	}

	result, err := h.reconciler.Reconcile(c.Request.Context(), reconcile.Request{
		InvoiceID:   inv.ID,
		Amount:      req.Amount,
		Method:      req.Method,
		ReferenceID: req.ReferenceID,
		Notes:       req.Notes,
		Source:      models.SourceAPI,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, paymentResponse(result))
}

// AccountResponse is a connected account with its card eligibility.
type AccountResponse struct {
	*models.ConnectedAccount
	CanAcceptCardPayments bool `json:"can_accept_card_payments"`
}

func accountResponse(account *models.ConnectedAccount) AccountResponse {
	return AccountResponse{ConnectedAccount: account, CanAcceptCardPayments: connect.CanAcceptCardPayments(account)}
}

// GetConnectedAccount returns the caller's connected account.
func (h *Handler) GetConnectedAccount(c *gin.Context) {
	account, err := h.connect.Account(c.Request.Context(), middleware.OwnerUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse(account))
}

// SetupConnectedAccount creates the caller's processor account if it does not exist.
func (h *Handler) SetupConnectedAccount(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	account, err := h.connect.RequestSetup(c.Request.Context(), middleware.OwnerUserID(c), req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse(account))
}

// RefreshConnectedAccount re-reads the onboarding status from the processor.
func (h *Handler) RefreshConnectedAccount(c *gin.Context) {
	ctx := c.Request.Context()
	account, err := h.connect.Account(ctx, middleware.OwnerUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	account, err = h.connect.RefreshStatus(ctx, account)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse(account))
}

// CreateOnboardingLink returns a hosted onboarding URL for the caller's account.
func (h *Handler) CreateOnboardingLink(c *gin.Context) {
	var req struct {
		ReturnURL  string `json:"return_url"`
		RefreshURL string `json:"refresh_url"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if req.ReturnURL == "" {
		req.ReturnURL = h.links.ReturnURL
	}
	if req.RefreshURL == "" {
		req.RefreshURL = h.links.RefreshURL
	}
	if req.ReturnURL == "" || req.RefreshURL == "" {
		badRequest(c, "return_url and refresh_url are required")
		return
	}

	ctx := c.Request.Context()
	account, err := h.connect.Account(ctx, middleware.OwnerUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	url, err := h.connect.OnboardingLink(ctx, account, req.ReturnURL, req.RefreshURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
