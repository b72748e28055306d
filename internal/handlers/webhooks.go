package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vendora/engine/internal/payments"
	"github.com/vendora/engine/internal/platform/httpx"
	"github.com/vendora/engine/internal/services"
)

const maxWebhookBodySize = 1 << 20

// WebhookHandlers accepts gateway webhook deliveries, verifies their
// signatures, and hands the decoded events to reconciliation. A delivery
// that fails signature verification is rejected; everything past that
// point is acknowledged so the gateway stops retrying.
type WebhookHandlers struct {
	manager        *payments.Manager
	reconciliation services.ReconciliationService
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(manager *payments.Manager, reconciliation services.ReconciliationService, logger func(ctx context.Context, event string, fields map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		manager:        manager,
		reconciliation: reconciliation,
		logger:         logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{provider}", h.ingest)
}

func (h *WebhookHandlers) ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.manager == nil || h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if provider == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "provider is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.manager.VerifyWebhook(ctx, provider, body, flattenHeaders(r.Header))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnsupportedProvider):
			httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown webhook provider", http.StatusNotFound))
		case errors.Is(err, payments.ErrSignatureInvalid):
			h.logger(ctx, "webhook.signature.invalid", map[string]any{"provider": provider})
			httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "webhook signature verification failed", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to decode webhook", http.StatusBadRequest))
		}
		return
	}

	result, err := h.reconciliation.IngestWebhook(ctx, services.WebhookCommand{
		Provider:       event.Provider,
		EventID:        event.EventID,
		EventType:      event.EventType,
		GatewayOrderID: event.GatewayOrderID,
		CaptureID:      event.CaptureID,
		Amount:         event.Amount,
		Currency:       event.Currency,
		Payload:        event.Payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrReconcileInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, payments.ErrGatewayUnavailable):
			// 503 keeps the delivery in the gateway's retry schedule.
			httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "processing temporarily unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
		}
		return
	}

	h.logger(ctx, "webhook.processed", map[string]any{
		"provider": event.Provider,
		"eventId":  event.EventID,
		"type":     event.EventType,
		"outcome":  string(result.Outcome),
	})

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{
		Provider: event.Provider,
		EventID:  event.EventID,
		Outcome:  string(result.Outcome),
		Reason:   strings.TrimSpace(result.Reason),
	})
}

type webhookAckResponse struct {
	Provider string `json:"provider"`
	EventID  string `json:"event_id"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	flat := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		flat[name] = values[0]
	}
	return flat
}
