package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/platform/auth"
	"github.com/vendora/engine/internal/platform/httpx"
	"github.com/vendora/engine/internal/services"
)

const (
	defaultLedgerPageSize   = 50
	maxLedgerPageSize       = 200
	maxAdjustmentBodySize   = 8 * 1024
	adjustmentReasonMaxSize = 512
)

var validTransactionTypes = map[domain.InventoryTransactionType]struct{}{
	domain.InventoryTransactionSale:       {},
	domain.InventoryTransactionRefund:     {},
	domain.InventoryTransactionAdjustment: {},
}

type adjustStockRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// InventoryHandlers exposes the stock ledger endpoints for vendors and staff.
type InventoryHandlers struct {
	authn     *auth.Authenticator
	inventory services.InventoryService
}

// NewInventoryHandlers constructs a new InventoryHandlers instance.
func NewInventoryHandlers(authn *auth.Authenticator, inventory services.InventoryService) *InventoryHandlers {
	return &InventoryHandlers{
		authn:     authn,
		inventory: inventory,
	}
}

// Routes registers the /variants endpoints.
func (h *InventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/{variantID}/stock", h.getStock)
	r.Get("/{variantID}/ledger", h.listLedger)
	r.Post("/{variantID}:adjust", h.adjustStock)
}

func (h *InventoryHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}

	stock, err := h.inventory.GetStock(ctx, variantID)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, variantStockPayload{
		VariantID: stock.VariantID,
		VendorID:  stock.VendorID,
		OnHand:    stock.OnHand,
		UpdatedAt: formatTime(stock.UpdatedAt),
	})
}

func (h *InventoryHandlers) listLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}

	query := r.URL.Query()

	var types []domain.InventoryTransactionType
	for _, raw := range parseFilterValues(query["type"]) {
		txnType := domain.InventoryTransactionType(raw)
		if _, ok := validTransactionTypes[txnType]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "type must be sale, refund, or adjustment", http.StatusBadRequest))
			return
		}
		types = append(types, txnType)
	}

	var dateRange domain.RangeQuery[time.Time]
	var hasDateRange bool
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
		hasDateRange = true
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
		hasDateRange = true
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultLedgerPageSize, maxLedgerPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.InventoryHistoryFilter{
		Types: types,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	if hasDateRange {
		filter.DateRange = dateRange
	}

	page, err := h.inventory.GetHistory(ctx, variantID, filter)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	items := make([]ledgerEntryPayload, 0, len(page.Items))
	for _, txn := range page.Items {
		items = append(items, buildLedgerEntryPayload(txn))
	}

	writeJSONResponse(w, http.StatusOK, ledgerListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *InventoryHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdjustmentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req adjustStockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason is required", http.StatusBadRequest))
		return
	}
	if len(reason) > adjustmentReasonMaxSize {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason exceeds allowed length", http.StatusBadRequest))
		return
	}

	txn, err := h.inventory.RecordAdjustment(ctx, services.InventoryAdjustmentCommand{
		VariantID: variantID,
		Delta:     req.Delta,
		Reason:    reason,
		ActorID:   strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, ledgerEntryResponse{
		Transaction: buildLedgerEntryPayload(txn),
	})
}

type variantStockPayload struct {
	VariantID string `json:"variant_id"`
	VendorID  string `json:"vendor_id,omitempty"`
	OnHand    int    `json:"on_hand"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type ledgerListResponse struct {
	Items         []ledgerEntryPayload `json:"items"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

type ledgerEntryResponse struct {
	Transaction ledgerEntryPayload `json:"transaction"`
}

type ledgerEntryPayload struct {
	ID            string `json:"id"`
	VariantID     string `json:"variant_id"`
	Delta         int    `json:"delta"`
	Type          string `json:"type"`
	Reason        string `json:"reason,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func buildLedgerEntryPayload(txn services.InventoryTransaction) ledgerEntryPayload {
	return ledgerEntryPayload{
		ID:            strings.TrimSpace(txn.ID),
		VariantID:     strings.TrimSpace(txn.VariantID),
		Delta:         txn.Delta,
		Type:          string(txn.Type),
		Reason:        strings.TrimSpace(txn.Reason),
		ReferenceType: strings.TrimSpace(txn.ReferenceType),
		ReferenceID:   strings.TrimSpace(txn.ReferenceID),
		ActorID:       strings.TrimSpace(txn.ActorID),
		CreatedAt:     formatTime(txn.CreatedAt),
	}
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "variant not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryConflict):
		httpx.WriteError(ctx, w, httpx.NewError("inventory_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
