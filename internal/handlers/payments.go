package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vendora/engine/internal/payments"
	"github.com/vendora/engine/internal/platform/auth"
	"github.com/vendora/engine/internal/platform/httpx"
	"github.com/vendora/engine/internal/services"
)

const maxPaymentBodySize = 16 * 1024

type captureRequest struct {
	Provider  string         `json:"provider"`
	CaptureID string         `json:"capture_id"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Metadata  map[string]any `json:"metadata"`
}

type refundRequest struct {
	Provider string         `json:"provider"`
	RefundID string         `json:"refund_id"`
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

// PaymentHandlers exposes the reconciliation endpoints that fold gateway
// activity into the order lifecycle.
type PaymentHandlers struct {
	authn          *auth.Authenticator
	reconciliation services.ReconciliationService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(authn *auth.Authenticator, reconciliation services.ReconciliationService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:          authn,
		reconciliation: reconciliation,
	}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/{orderID}:capture", h.capture)
	r.Post("/{orderID}:refund", h.refund)
	r.Get("/{orderID}:verify", h.verify)
}

func (h *PaymentHandlers) capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req captureRequest
	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	result, err := h.reconciliation.ReconcileCapture(ctx, services.CaptureCommand{
		OrderID:   orderID,
		Provider:  strings.TrimSpace(req.Provider),
		CaptureID: strings.TrimSpace(req.CaptureID),
		Amount:    req.Amount,
		Currency:  strings.TrimSpace(req.Currency),
		ActorID:   strings.TrimSpace(identity.UID),
		Metadata:  cloneMap(req.Metadata),
	})
	if err != nil {
		writeReconcileError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildReconcileResultPayload(result))
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req refundRequest
	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	result, err := h.reconciliation.ReconcileRefund(ctx, services.RefundCommand{
		OrderID:  orderID,
		Provider: strings.TrimSpace(req.Provider),
		RefundID: strings.TrimSpace(req.RefundID),
		Amount:   req.Amount,
		Currency: strings.TrimSpace(req.Currency),
		ActorID:  strings.TrimSpace(identity.UID),
		Reason:   strings.TrimSpace(req.Reason),
		Metadata: cloneMap(req.Metadata),
	})
	if err != nil {
		writeReconcileError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildReconcileResultPayload(result))
}

func (h *PaymentHandlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	report, err := h.reconciliation.Verify(ctx, orderID)
	if err != nil {
		writeReconcileError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, verificationReportPayload{
		OrderID:       report.OrderID,
		LocalStatus:   string(report.LocalStatus),
		GatewayStatus: report.GatewayStatus,
		AmountMatches: report.AmountMatches,
		LocalAmount:   report.LocalAmount,
		GatewayAmount: report.GatewayAmount,
		Discrepancies: report.Discrepancies,
		CheckedAt:     formatTime(report.CheckedAt),
	})
}

type reconcileResultPayload struct {
	Outcome string        `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Order   *orderPayload `json:"order,omitempty"`
}

type verificationReportPayload struct {
	OrderID       string   `json:"order_id"`
	LocalStatus   string   `json:"local_status"`
	GatewayStatus string   `json:"gateway_status,omitempty"`
	AmountMatches bool     `json:"amount_matches"`
	LocalAmount   int64    `json:"local_amount"`
	GatewayAmount int64    `json:"gateway_amount"`
	Discrepancies []string `json:"discrepancies,omitempty"`
	CheckedAt     string   `json:"checked_at"`
}

func buildReconcileResultPayload(result services.ReconcileResult) reconcileResultPayload {
	payload := reconcileResultPayload{
		Outcome: string(result.Outcome),
		Reason:  strings.TrimSpace(result.Reason),
	}
	if result.Order != nil {
		order := buildOrderPayload(*result.Order)
		payload.Order = &order
	}
	return payload
}

func writeReconcileError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrReconcileInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, payments.ErrGatewayRejected):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_rejected", err.Error(), http.StatusBadGateway))
	case errors.Is(err, payments.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_error", "failed to reconcile payment", http.StatusInternalServerError))
	}
}
