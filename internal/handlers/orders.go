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
	defaultOrderPageSize      = 20
	maxOrderPageSize          = 100
	maxOrderTransitionBodySize = 16 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:    {},
	domain.OrderStatusConfirmed:  {},
	domain.OrderStatusPaid:       {},
	domain.OrderStatusProcessing: {},
	domain.OrderStatusPacked:     {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCancelled:  {},
	domain.OrderStatusRefunded:   {},
}

type transitionOrderRequest struct {
	TargetStatus   string         `json:"target_status"`
	ExpectedStatus string         `json:"expected_status"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata"`
}

type cancelOrderRequest struct {
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata"`
	ExpectedStatus string         `json:"expected_status"`
}

// OrderHandlers exposes order lifecycle endpoints for authenticated callers.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/events", h.listStatusEvents)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	statusFilters := parseFilterValues(query["status"])

	var dateRange domain.RangeQuery[time.Time]
	var hasDateRange bool
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
		hasDateRange = true
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
		hasDateRange = true
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		BuyerID:  strings.TrimSpace(query.Get("buyer_id")),
		VendorID: strings.TrimSpace(query.Get("vendor_id")),
		Status:   statusFilters,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	if filter.BuyerID == "" && filter.VendorID == "" {
		filter.BuyerID = strings.TrimSpace(identity.UID)
	}
	if hasDateRange {
		filter.DateRange = dateRange
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	response := orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
	writeJSONResponse(w, http.StatusOK, response)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := orderResponse{
		Order: buildOrderPayload(order),
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) listStatusEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListStatusEvents(ctx, orderID, services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]statusEventPayload, 0, len(page.Items))
	for _, event := range page.Items {
		items = append(items, buildStatusEventPayload(event))
	}

	writeJSONResponse(w, http.StatusOK, statusEventListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
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

	var req transitionOrderRequest
	body, err := readLimitedBody(r, maxOrderTransitionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	target, ok := parseOrderStatus(req.TargetStatus)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target_status must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: target,
		ActorType:    actorTypeForIdentity(identity),
		ActorID:      strings.TrimSpace(identity.UID),
		Reason:       strings.TrimSpace(req.Reason),
		Metadata:     cloneMap(req.Metadata),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
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

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderTransitionBodySize)
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

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: domain.OrderStatusCancelled,
		ActorType:    actorTypeForIdentity(identity),
		ActorID:      strings.TrimSpace(identity.UID),
		Reason:       strings.TrimSpace(req.Reason),
		Metadata:     cloneMap(req.Metadata),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	BuyerID     string `json:"buyer_id"`
	VendorID    string `json:"vendor_id"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID           string               `json:"id"`
	OrderNumber  string               `json:"order_number"`
	BuyerID      string               `json:"buyer_id"`
	VendorID     string               `json:"vendor_id"`
	Status       string               `json:"status"`
	Currency     string               `json:"currency"`
	Total        int64                `json:"total"`
	Items        []orderItemPayload   `json:"items"`
	Payment      *orderPaymentPayload `json:"payment,omitempty"`
	Contact      *orderContactPayload `json:"contact,omitempty"`
	Locale       string               `json:"locale,omitempty"`
	Metadata     map[string]any       `json:"metadata,omitempty"`
	CreatedAt    string               `json:"created_at"`
	UpdatedAt    string               `json:"updated_at,omitempty"`
	PaidAt       string               `json:"paid_at,omitempty"`
	ShippedAt    string               `json:"shipped_at,omitempty"`
	DeliveredAt  string               `json:"delivered_at,omitempty"`
	CancelledAt  string               `json:"cancelled_at,omitempty"`
	RefundedAt   string               `json:"refunded_at,omitempty"`
	CancelReason *string              `json:"cancel_reason,omitempty"`
}

type orderItemPayload struct {
	VariantID string         `json:"variant_id"`
	ProductID string         `json:"product_id,omitempty"`
	SKU       string         `json:"sku,omitempty"`
	Name      string         `json:"name,omitempty"`
	Quantity  int            `json:"quantity"`
	UnitPrice int64          `json:"unit_price"`
	Total     int64          `json:"total"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type orderPaymentPayload struct {
	Provider       string `json:"provider"`
	GatewayOrderID string `json:"gateway_order_id,omitempty"`
	CaptureID      string `json:"capture_id,omitempty"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Automatic      bool   `json:"automatic"`
	CapturedAt     string `json:"captured_at,omitempty"`
	RefundedAt     string `json:"refunded_at,omitempty"`
	RefundedAmount int64  `json:"refunded_amount,omitempty"`
}

type orderContactPayload struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type statusEventListResponse struct {
	Items         []statusEventPayload `json:"items"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

type statusEventPayload struct {
	ID             string         `json:"id"`
	OrderID        string         `json:"order_id"`
	PreviousStatus string         `json:"previous_status"`
	NewStatus      string         `json:"new_status"`
	ActorType      string         `json:"actor_type"`
	ActorID        string         `json:"actor_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		BuyerID:     strings.TrimSpace(order.BuyerID),
		VendorID:    strings.TrimSpace(order.VendorID),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.TotalAmount,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:           strings.TrimSpace(order.ID),
		OrderNumber:  strings.TrimSpace(order.OrderNumber),
		BuyerID:      strings.TrimSpace(order.BuyerID),
		VendorID:     strings.TrimSpace(order.VendorID),
		Status:       strings.TrimSpace(string(order.Status)),
		Currency:     strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:        order.TotalAmount,
		Items:        make([]orderItemPayload, 0, len(order.Items)),
		Locale:       strings.TrimSpace(order.Locale),
		Metadata:     cloneMap(order.Metadata),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		PaidAt:       formatTime(pointerTime(order.PaidAt)),
		ShippedAt:    formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:  formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
		RefundedAt:   formatTime(pointerTime(order.RefundedAt)),
		CancelReason: cloneStringPointer(order.CancelReason),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			VariantID: strings.TrimSpace(item.VariantID),
			ProductID: strings.TrimSpace(item.ProductID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
			Metadata:  cloneMap(item.Metadata),
		})
	}

	if order.Payment.Provider != "" {
		payment := orderPaymentPayload{
			Provider:       strings.TrimSpace(order.Payment.Provider),
			Amount:         order.Payment.Amount,
			Currency:       strings.ToUpper(strings.TrimSpace(order.Payment.Currency)),
			Automatic:      order.Payment.Automatic,
			CapturedAt:     formatTime(pointerTime(order.Payment.CapturedAt)),
			RefundedAt:     formatTime(pointerTime(order.Payment.RefundedAt)),
			RefundedAmount: order.Payment.RefundedAmount,
		}
		if order.Payment.GatewayOrderID != nil {
			payment.GatewayOrderID = strings.TrimSpace(*order.Payment.GatewayOrderID)
		}
		if order.Payment.CaptureID != nil {
			payment.CaptureID = strings.TrimSpace(*order.Payment.CaptureID)
		}
		payload.Payment = &payment
	}

	if order.Contact.Email != "" || order.Contact.Phone != "" {
		payload.Contact = &orderContactPayload{
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		}
	}

	return payload
}

func buildStatusEventPayload(event services.OrderStatusEvent) statusEventPayload {
	return statusEventPayload{
		ID:             strings.TrimSpace(event.ID),
		OrderID:        strings.TrimSpace(event.OrderID),
		PreviousStatus: string(event.PreviousStatus),
		NewStatus:      string(event.NewStatus),
		ActorType:      string(event.ActorType),
		ActorID:        strings.TrimSpace(event.ActorID),
		Reason:         strings.TrimSpace(event.Reason),
		Metadata:       cloneMap(event.Metadata),
		CreatedAt:      formatTime(event.CreatedAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrUnknownStatus):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func actorTypeForIdentity(identity *auth.Identity) domain.ActorType {
	switch {
	case identity == nil:
		return domain.ActorTypeSystem
	case identity.HasRole(auth.RoleAdmin) || identity.HasRole(auth.RoleStaff):
		return domain.ActorTypeOperator
	default:
		return domain.ActorTypeBuyer
	}
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := validOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}
