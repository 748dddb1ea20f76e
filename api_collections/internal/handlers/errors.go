package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"invoicing/api_collections/internal/balance"
	"invoicing/api_collections/internal/connect"
	"invoicing/api_collections/internal/gateway"
	"invoicing/api_collections/internal/reconcile"
	"invoicing/api_collections/internal/store"
	"invoicing/api_collections/internal/workflow"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// errorResponse maps domain errors to an HTTP status and a body safe to show the caller.
func errorResponse(err error) (int, ErrorResponse) {
	var (
		amountErr *balance.AmountError
		recErr    *reconcile.Error
		gwErr     *gateway.Error
	)
	switch {
	case errors.As(err, &amountErr):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: amountErr.Error(), Code: string(amountErr.Code)}

	case errors.As(err, &recErr):
		resp := ErrorResponse{Error: recErr.UserMessage(), Code: string(recErr.Code), Retryable: recErr.Retryable()}
		switch recErr.Code {
		case reconcile.CodeOverpayment, reconcile.CodeInvalidAmount:
			return http.StatusUnprocessableEntity, resp
		case reconcile.CodeInvoiceNotFound:
			return http.StatusNotFound, resp
		case reconcile.CodeInvoiceNotPayable:
			return http.StatusConflict, resp
		case reconcile.CodeInvalidRequest:
			return http.StatusBadRequest, resp
		default:
			return http.StatusServiceUnavailable, resp
		}

	case errors.As(err, &gwErr):
		resp := ErrorResponse{Error: gwErr.UserMessage(), Code: string(gwErr.Code), Retryable: gwErr.Retryable()}
		switch gwErr.Code {
		case gateway.CodeCardDeclined, gateway.CodeAuthenticationRequired:
			return http.StatusPaymentRequired, resp
		case gateway.CodeAccountNotReady:
			return http.StatusConflict, resp
		case gateway.CodeInvalidRequest:
			return http.StatusBadRequest, resp
		default:
			return http.StatusServiceUnavailable, resp
		}

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not found", Code: "not_found"}
	case errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_transition"}
	case errors.Is(err, workflow.ErrCancelNotAllowed):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "cancel_not_allowed"}
	case errors.Is(err, workflow.ErrInvoiceNotPayable):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: string(reconcile.CodeInvoiceNotPayable)}
	case errors.Is(err, connect.ErrNoProcessorAccount):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "no_processor_account"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"}
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.contextLogger(c).WithError(err).Error("Request failed")
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(reconcile.CodeInvalidRequest)})
}
