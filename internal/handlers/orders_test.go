package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/platform/auth"
	"github.com/vendora/engine/internal/services"
)

type stubOrderService struct {
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	eventsFn     func(context.Context, string, services.Pagination) (domain.CursorPage[services.OrderStatusEvent], error)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) ListStatusEvents(ctx context.Context, orderID string, pager services.Pagination) (domain.CursorPage[services.OrderStatusEvent], error) {
	if s.eventsFn != nil {
		return s.eventsFn(ctx, orderID, pager)
	}
	return domain.CursorPage[services.OrderStatusEvent]{}, nil
}

var _ services.OrderService = (*stubOrderService)(nil)

func newOrderTestRouter(service services.OrderService) chi.Router {
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func authed(req *http.Request) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
}

func TestOrderHandlersListOrdersSuccess(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	fromExpected := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var capturedFilter services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			capturedFilter = filter
			return domain.CursorPage[services.Order]{
				Items: []services.Order{
					{
						ID:          "ord_123",
						OrderNumber: "VN-2024-000123",
						BuyerID:     "user-1",
						VendorID:    "ven_9",
						Status:      domain.OrderStatusPaid,
						Currency:    "jpy",
						TotalAmount: 1300,
						CreatedAt:   now,
					},
				},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := authed(httptest.NewRequest(http.MethodGet, "/orders?status=paid,shipped&page_size=10&page_token=tok123&created_after=2024-03-01T00:00:00Z", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedFilter.BuyerID != "user-1" {
		t.Fatalf("expected buyer filter user-1, got %s", capturedFilter.BuyerID)
	}
	if capturedFilter.Pagination.PageSize != 10 || capturedFilter.Pagination.PageToken != "tok123" {
		t.Fatalf("unexpected pagination: %#v", capturedFilter.Pagination)
	}
	if len(capturedFilter.Status) != 2 {
		t.Fatalf("expected 2 status filters, got %d", len(capturedFilter.Status))
	}
	if capturedFilter.DateRange.From == nil || !capturedFilter.DateRange.From.Equal(fromExpected) {
		t.Fatalf("expected date range from %s, got %#v", fromExpected.Format(time.RFC3339), capturedFilter.DateRange.From)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Items))
	}
	if resp.Items[0].ID != "ord_123" || resp.Items[0].Currency != "JPY" || resp.Items[0].Total != 1300 {
		t.Fatalf("unexpected order summary: %#v", resp.Items[0])
	}
	if resp.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token tok-next, got %s", resp.NextPageToken)
	}
}

func TestOrderHandlersListOrdersInvalidPageSize(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{})
	req := authed(httptest.NewRequest(http.MethodGet, "/orders?page_size=abc", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersUnauthenticated(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()
	handler.listOrders(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderSuccess(t *testing.T) {
	now := time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC)
	paidAt := now.Add(-time.Hour)
	gatewayOrderID := "GW-1"
	captureID := "CAP-1"

	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			if orderID != "ord_123" {
				return services.Order{}, fmt.Errorf("%w: %s", services.ErrOrderNotFound, orderID)
			}
			return services.Order{
				ID:          "ord_123",
				OrderNumber: "VN-2024-000123",
				BuyerID:     "user-1",
				VendorID:    "ven_9",
				Status:      domain.OrderStatusPaid,
				Currency:    "jpy",
				TotalAmount: 1300,
				Items: []services.OrderItem{
					{VariantID: "var_1", SKU: "SKU-1", Quantity: 2, UnitPrice: 500, Total: 1000},
				},
				Payment: services.Payment{
					Provider:       "stripe",
					GatewayOrderID: &gatewayOrderID,
					CaptureID:      &captureID,
					Amount:         1300,
					Currency:       "jpy",
					Automatic:      true,
					CapturedAt:     &paidAt,
				},
				Contact:   services.OrderContact{Email: "buyer@example.com"},
				CreatedAt: now.Add(-2 * time.Hour),
				UpdatedAt: now,
				PaidAt:    &paidAt,
			}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := authed(httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.ID != "ord_123" || resp.Order.Status != "paid" {
		t.Fatalf("unexpected order: %#v", resp.Order)
	}
	if resp.Order.Payment == nil || resp.Order.Payment.CaptureID != "CAP-1" || !resp.Order.Payment.Automatic {
		t.Fatalf("unexpected payment: %#v", resp.Order.Payment)
	}
	if len(resp.Order.Items) != 1 || resp.Order.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items: %#v", resp.Order.Items)
	}
	if resp.Order.PaidAt == "" {
		t.Fatalf("expected paid_at to be set")
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: %s", services.ErrOrderNotFound, orderID)
		},
	}

	router := newOrderTestRouter(service)
	req := authed(httptest.NewRequest(http.MethodGet, "/orders/ord_missing", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersTransitionSuccess(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: cmd.TargetStatus}, nil
		},
	}

	router := newOrderTestRouter(service)
	body := bytes.NewBufferString(`{"target_status":"shipped","expected_status":"packed","reason":"carrier pickup"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/orders/ord_123:transition", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" {
		t.Fatalf("expected order id ord_123, got %s", captured.OrderID)
	}
	if captured.TargetStatus != domain.OrderStatusShipped {
		t.Fatalf("expected target shipped, got %s", captured.TargetStatus)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusPacked {
		t.Fatalf("expected expected_status packed, got %#v", captured.ExpectedStatus)
	}
	if captured.Reason != "carrier pickup" {
		t.Fatalf("expected reason carrier pickup, got %s", captured.Reason)
	}
	if captured.ActorType != domain.ActorTypeBuyer || captured.ActorID != "user-1" {
		t.Fatalf("unexpected actor: %s %s", captured.ActorType, captured.ActorID)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != "shipped" {
		t.Fatalf("expected shipped, got %s", resp.Order.Status)
	}
}

func TestOrderHandlersTransitionIllegal(t *testing.T) {
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: delivered to pending", services.ErrIllegalTransition)
		},
	}

	router := newOrderTestRouter(service)
	body := bytes.NewBufferString(`{"target_status":"pending"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/orders/ord_123:transition", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %s", resp.Error)
	}
}

func TestOrderHandlersTransitionUnknownStatus(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{})
	body := bytes.NewBufferString(`{"target_status":"teleported"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/orders/ord_123:transition", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelDefaultsToCancelled(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: cmd.TargetStatus}, nil
		},
	}

	router := newOrderTestRouter(service)
	body := bytes.NewBufferString(`{"reason":"changed my mind"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/orders/ord_123:cancel", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TargetStatus != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled target, got %s", captured.TargetStatus)
	}
	if captured.Reason != "changed my mind" {
		t.Fatalf("unexpected reason: %s", captured.Reason)
	}
}

func TestOrderHandlersListStatusEvents(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		eventsFn: func(ctx context.Context, orderID string, pager services.Pagination) (domain.CursorPage[services.OrderStatusEvent], error) {
			if orderID != "ord_123" {
				t.Fatalf("unexpected order id %s", orderID)
			}
			return domain.CursorPage[services.OrderStatusEvent]{
				Items: []services.OrderStatusEvent{
					{
						ID:             "evt_2",
						OrderID:        orderID,
						PreviousStatus: domain.OrderStatusPending,
						NewStatus:      domain.OrderStatusPaid,
						ActorType:      domain.ActorTypeGateway,
						ActorID:        "gateway:stripe",
						CreatedAt:      now,
					},
				},
			}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := authed(httptest.NewRequest(http.MethodGet, "/orders/ord_123/events", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp statusEventListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Items))
	}
	event := resp.Items[0]
	if event.PreviousStatus != "pending" || event.NewStatus != "paid" || event.ActorType != "gateway" {
		t.Fatalf("unexpected event: %#v", event)
	}
}
