package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/payments"
	"github.com/vendora/engine/internal/repositories"
)

type stubOrderServiceImpl struct {
	transitionFn func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	getOrderFn   func(ctx context.Context, orderID string) (Order, error)
	listFn       func(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	listEventsFn func(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderStatusEvent], error)
}

func (s *stubOrderServiceImpl) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return Order{}, errors.New("transition not stubbed")
}

func (s *stubOrderServiceImpl) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if s.getOrderFn != nil {
		return s.getOrderFn(ctx, orderID)
	}
	return Order{}, ErrOrderNotFound
}

func (s *stubOrderServiceImpl) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[Order]{}, nil
}

func (s *stubOrderServiceImpl) ListStatusEvents(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderStatusEvent], error) {
	if s.listEventsFn != nil {
		return s.listEventsFn(ctx, orderID, pager)
	}
	return domain.CursorPage[OrderStatusEvent]{}, nil
}

var _ OrderService = (*stubOrderServiceImpl)(nil)

type stubGatewayEventRepo struct {
	createFn        func(ctx context.Context, record domain.GatewayEventRecord) error
	markProcessedFn func(ctx context.Context, provider, eventID string, processedAt time.Time) error
	findFn          func(ctx context.Context, provider, eventID string) (domain.GatewayEventRecord, error)
}

func (s *stubGatewayEventRepo) Create(ctx context.Context, record domain.GatewayEventRecord) error {
	if s.createFn != nil {
		return s.createFn(ctx, record)
	}
	return nil
}

func (s *stubGatewayEventRepo) MarkProcessed(ctx context.Context, provider, eventID string, processedAt time.Time) error {
	if s.markProcessedFn != nil {
		return s.markProcessedFn(ctx, provider, eventID, processedAt)
	}
	return nil
}

func (s *stubGatewayEventRepo) Find(ctx context.Context, provider, eventID string) (domain.GatewayEventRecord, error) {
	if s.findFn != nil {
		return s.findFn(ctx, provider, eventID)
	}
	return domain.GatewayEventRecord{}, repoError{notFound: true}
}

var _ repositories.GatewayEventRepository = (*stubGatewayEventRepo)(nil)

type stubGateway struct {
	captureOrderFn  func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureOrderRequest) (payments.CaptureDetails, error)
	refundCaptureFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundCaptureRequest) (payments.RefundDetails, error)
	getOrderFn      func(ctx context.Context, paymentCtx payments.PaymentContext, gatewayOrderID string) (payments.GatewayOrder, error)
	getCaptureFn    func(ctx context.Context, paymentCtx payments.PaymentContext, captureID string) (payments.CaptureDetails, error)
}

func (s *stubGateway) CaptureOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureOrderRequest) (payments.CaptureDetails, error) {
	if s.captureOrderFn != nil {
		return s.captureOrderFn(ctx, paymentCtx, req)
	}
	return payments.CaptureDetails{}, errors.New("capture not stubbed")
}

func (s *stubGateway) RefundCapture(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundCaptureRequest) (payments.RefundDetails, error) {
	if s.refundCaptureFn != nil {
		return s.refundCaptureFn(ctx, paymentCtx, req)
	}
	return payments.RefundDetails{}, errors.New("refund not stubbed")
}

func (s *stubGateway) GetOrder(ctx context.Context, paymentCtx payments.PaymentContext, gatewayOrderID string) (payments.GatewayOrder, error) {
	if s.getOrderFn != nil {
		return s.getOrderFn(ctx, paymentCtx, gatewayOrderID)
	}
	return payments.GatewayOrder{}, errors.New("get order not stubbed")
}

func (s *stubGateway) GetCapture(ctx context.Context, paymentCtx payments.PaymentContext, captureID string) (payments.CaptureDetails, error) {
	if s.getCaptureFn != nil {
		return s.getCaptureFn(ctx, paymentCtx, captureID)
	}
	return payments.CaptureDetails{}, errors.New("get capture not stubbed")
}

var _ Gateway = (*stubGateway)(nil)

type stubAuditService struct {
	records []AuditLogRecord
	listFn  func(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

func (s *stubAuditService) Record(ctx context.Context, record AuditLogRecord) {
	s.records = append(s.records, record)
}

func (s *stubAuditService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[AuditLogEntry]{}, nil
}

func (s *stubAuditService) actions() []string {
	out := make([]string, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Action)
	}
	return out
}

var _ AuditLogService = (*stubAuditService)(nil)

func paidOrder() Order {
	order := lifecycleOrder()
	order.Status = domain.OrderStatusPaid
	paid := time.Date(2026, time.May, 3, 10, 0, 0, 0, time.UTC)
	order.PaidAt = &paid
	order.Payment = domain.Payment{
		Provider:       "stripe",
		GatewayOrderID: valuePtr("gw_ord_1"),
		CaptureID:      valuePtr("cap_123"),
		Amount:         5400,
		Currency:       "JPY",
		Automatic:      true,
		CapturedAt:     &paid,
	}
	return order
}

func newTestReconciliationService(t *testing.T, deps ReconciliationServiceDeps) ReconciliationService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2026, time.May, 3, 12, 0, 0, 0, time.UTC))
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = sequentialIDs("GWTEST")
	}
	svc, err := NewReconciliationService(deps)
	if err != nil {
		t.Fatalf("NewReconciliationService returned error: %v", err)
	}
	return svc
}

func TestReconcileCaptureAppliesFirstCapture(t *testing.T) {
	order := lifecycleOrder()
	audit := &stubAuditService{}

	var updatedOrder *domain.Order
	var transitionCmd *OrderStatusTransitionCommand

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			transitionFn: func(ctx context.Context, o domain.Order, expected domain.OrderStatus) error {
				if expected != domain.OrderStatusPending {
					t.Fatalf("expected write precondition pending, got %s", expected)
				}
				updatedOrder = &o
				return nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				transitionCmd = &cmd
				paid := order
				paid.Status = domain.OrderStatusPaid
				return paid, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
	})

	result, err := svc.ReconcileCapture(context.Background(), CaptureCommand{
		OrderID:   order.ID,
		Provider:  "Stripe",
		CaptureID: "cap_123",
		Amount:    5400,
		Currency:  "JPY",
		ActorID:   "reconciler",
	})
	if err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", result.Outcome, result.Reason)
	}

	if updatedOrder == nil {
		t.Fatal("expected payment details persisted")
	}
	if updatedOrder.Payment.CaptureID == nil || *updatedOrder.Payment.CaptureID != "cap_123" {
		t.Fatalf("expected capture id recorded, got %v", updatedOrder.Payment.CaptureID)
	}
	if updatedOrder.Payment.Provider != "stripe" {
		t.Fatalf("expected provider lowercased, got %q", updatedOrder.Payment.Provider)
	}
	if !updatedOrder.Payment.Automatic {
		t.Fatal("expected payment marked automatic")
	}

	if transitionCmd == nil {
		t.Fatal("expected transition to paid")
	}
	if transitionCmd.TargetStatus != domain.OrderStatusPaid {
		t.Fatalf("expected target paid, got %s", transitionCmd.TargetStatus)
	}
	if transitionCmd.ActorType != domain.ActorTypeGateway {
		t.Fatalf("expected gateway actor, got %s", transitionCmd.ActorType)
	}
	if transitionCmd.Reason != "capture cap_123" {
		t.Fatalf("unexpected reason %q", transitionCmd.Reason)
	}
	if transitionCmd.ExpectedStatus == nil || *transitionCmd.ExpectedStatus != domain.OrderStatusPending {
		t.Fatalf("expected optimistic guard on pending, got %v", transitionCmd.ExpectedStatus)
	}

	if actions := audit.actions(); len(actions) != 1 || actions[0] != "payment.capture.applied" {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestReconcileCaptureDuplicateIsIdempotent(t *testing.T) {
	order := paidOrder()
	order.Metadata = map[string]any{"source": "checkout"}
	audit := &stubAuditService{}

	var updatedOrder *domain.Order
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			updateFn: func(ctx context.Context, o domain.Order) error {
				updatedOrder = &o
				return nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
	})

	result, err := svc.ReconcileCapture(context.Background(), CaptureCommand{
		OrderID:   order.ID,
		CaptureID: "cap_123",
		Amount:    5400,
		Metadata:  map[string]any{"source": "webhook", "deliveryAttempt": 2},
	})
	if err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	if result.Outcome != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied, got %s (%s)", result.Outcome, result.Reason)
	}

	// Metadata merge fills only missing keys; the recorded value wins.
	if updatedOrder == nil {
		t.Fatal("expected metadata merge write")
	}
	if updatedOrder.Metadata["source"] != "checkout" {
		t.Fatalf("existing metadata must not be overwritten, got %v", updatedOrder.Metadata["source"])
	}
	if updatedOrder.Metadata["deliveryAttempt"] != 2 {
		t.Fatalf("missing metadata keys must merge, got %v", updatedOrder.Metadata)
	}
	if len(audit.records) != 0 {
		t.Fatalf("duplicate capture must not audit, got %v", audit.actions())
	}
}

func TestReconcileCaptureIDMismatchRejects(t *testing.T) {
	order := paidOrder()
	audit := &stubAuditService{}

	var flagged *domain.Order
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			updateFn: func(ctx context.Context, o domain.Order) error {
				flagged = &o
				return nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
	})

	result, err := svc.ReconcileCapture(context.Background(), CaptureCommand{
		OrderID:   order.ID,
		CaptureID: "cap_999",
		Amount:    5400,
	})
	if err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "capture id differs") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
	if flagged == nil || flagged.Metadata["reconciliationAnomaly"] != "capture_id_mismatch" {
		t.Fatal("expected anomaly flag on order metadata")
	}
	if actions := audit.actions(); len(actions) != 1 || actions[0] != "reconcile.anomaly.capture_id_mismatch" {
		t.Fatalf("unexpected audit actions %v", actions)
	}
	if order.Payment.CaptureID == nil || *order.Payment.CaptureID != "cap_123" {
		t.Fatal("recorded capture id must survive the conflicting report")
	}
}

func TestReconcileCaptureIDMismatchRejectsBeforeSettling(t *testing.T) {
	order := lifecycleOrder()
	order.Payment.CaptureID = valuePtr("cap_123")
	audit := &stubAuditService{}

	var transitions int
	var written *domain.Order
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			updateFn: func(ctx context.Context, o domain.Order) error {
				written = &o
				return nil
			},
			transitionFn: func(ctx context.Context, o domain.Order, expected domain.OrderStatus) error {
				t.Fatal("conflicting capture id must not reach the payment write")
				return nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				transitions++
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
	})

	result, err := svc.ReconcileCapture(context.Background(), CaptureCommand{
		OrderID:   order.ID,
		CaptureID: "cap_999",
		Amount:    5400,
	})
	if err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s (%s)", result.Outcome, result.Reason)
	}
	if !strings.Contains(result.Reason, "capture id differs") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
	if transitions != 0 {
		t.Fatal("conflicting capture id must not transition the order")
	}
	if written == nil || written.Metadata["reconciliationAnomaly"] != "capture_id_mismatch" {
		t.Fatal("expected anomaly flag on order metadata")
	}
	if actions := audit.actions(); len(actions) != 1 || actions[0] != "reconcile.anomaly.capture_id_mismatch" {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestReconcileCaptureAmountMismatchFlagsButApplies(t *testing.T) {
	order := lifecycleOrder()
	audit := &stubAuditService{}

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				paid := order
				paid.Status = domain.OrderStatusPaid
				return paid, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
		AmountEpsilon: 10,
	})

	result, err := svc.ReconcileCapture(context.Background(), CaptureCommand{
		OrderID:   order.ID,
		CaptureID: "cap_123",
		Amount:    5000,
	})
	if err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied despite mismatch, got %s", result.Outcome)
	}

	actions := audit.actions()
	if len(actions) != 2 || actions[0] != "reconcile.anomaly.capture_amount_mismatch" || actions[1] != "payment.capture.applied" {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestReconcileCaptureWithinEpsilonIsClean(t *testing.T) {
	order := lifecycleOrder()
	audit := &stubAuditService{}

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				paid := order
				paid.Status = domain.OrderStatusPaid
				return paid, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
		AmountEpsilon: 10,
	})

	if _, err := svc.ReconcileCapture(context.Background(), CaptureCommand{
		OrderID:   order.ID,
		CaptureID: "cap_123",
		Amount:    order.TotalAmount - 5,
	}); err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	for _, action := range audit.actions() {
		if strings.HasPrefix(action, "reconcile.anomaly.") {
			t.Fatalf("difference within epsilon must not flag, got %v", audit.actions())
		}
	}
}

func TestReconcileCaptureRejectsUncapturableStatus(t *testing.T) {
	order := lifecycleOrder()
	order.Status = domain.OrderStatusCancelled

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
	})

	result, err := svc.ReconcileCapture(context.Background(), CaptureCommand{OrderID: order.ID, CaptureID: "cap_1"})
	if err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "cannot accept a capture") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestReconcileCaptureExecutesGatewayCapture(t *testing.T) {
	order := lifecycleOrder()
	order.Payment.Provider = "paypal"
	order.Payment.GatewayOrderID = valuePtr("gw_ord_1")

	var captureReq *payments.CaptureOrderRequest
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				paid := order
				paid.Status = domain.OrderStatusPaid
				return paid, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		Gateway: &stubGateway{
			captureOrderFn: func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureOrderRequest) (payments.CaptureDetails, error) {
				captureReq = &req
				return payments.CaptureDetails{
					CaptureID:      "cap_live_1",
					GatewayOrderID: req.GatewayOrderID,
					Status:         payments.CaptureStatusCompleted,
					Amount:         order.TotalAmount,
				}, nil
			},
		},
	})

	result, err := svc.ReconcileCapture(context.Background(), CaptureCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("ReconcileCapture returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", result.Outcome, result.Reason)
	}
	if captureReq == nil {
		t.Fatal("expected gateway capture call")
	}
	if captureReq.GatewayOrderID != "gw_ord_1" {
		t.Fatalf("unexpected gateway order id %q", captureReq.GatewayOrderID)
	}
	if captureReq.IdempotencyKey != "cap_"+order.ID {
		t.Fatalf("unexpected idempotency key %q", captureReq.IdempotencyKey)
	}
}

func TestReconcileCaptureGatewayErrorLeavesStateUntouched(t *testing.T) {
	order := lifecycleOrder()
	order.Payment.GatewayOrderID = valuePtr("gw_ord_1")

	var updates int
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			updateFn: func(ctx context.Context, o domain.Order) error {
				updates++
				return nil
			},
			transitionFn: func(ctx context.Context, o domain.Order, expected domain.OrderStatus) error {
				updates++
				return nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		Gateway: &stubGateway{
			captureOrderFn: func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureOrderRequest) (payments.CaptureDetails, error) {
				return payments.CaptureDetails{}, payments.ErrGatewayUnavailable
			},
		},
	})

	_, err := svc.ReconcileCapture(context.Background(), CaptureCommand{OrderID: order.ID})
	if !errors.Is(err, payments.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway error to surface, got %v", err)
	}
	if updates != 0 {
		t.Fatal("unknown capture outcome must not modify the order")
	}
}

func TestReconcileRefundFullMovesToRefunded(t *testing.T) {
	order := paidOrder()
	audit := &stubAuditService{}

	var transitionCmd *OrderStatusTransitionCommand
	var updatedOrder *domain.Order

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			transitionFn: func(ctx context.Context, o domain.Order, expected domain.OrderStatus) error {
				if expected != domain.OrderStatusPaid {
					t.Fatalf("expected write precondition paid, got %s", expected)
				}
				updatedOrder = &o
				return nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				transitionCmd = &cmd
				refunded := order
				refunded.Status = domain.OrderStatusRefunded
				return refunded, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
	})

	result, err := svc.ReconcileRefund(context.Background(), RefundCommand{
		OrderID:  order.ID,
		RefundID: "ref_1",
		Amount:   5400,
		Reason:   "buyer request",
	})
	if err != nil {
		t.Fatalf("ReconcileRefund returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", result.Outcome, result.Reason)
	}
	if result.Order == nil || result.Order.Status != domain.OrderStatusRefunded {
		t.Fatal("expected refunded order in result")
	}

	if updatedOrder == nil || updatedOrder.Payment.RefundedAmount != 5400 {
		t.Fatal("expected refunded amount recorded")
	}
	if updatedOrder.Payment.RefundedAt == nil {
		t.Fatal("expected RefundedAt set on full refund")
	}
	if transitionCmd == nil || transitionCmd.TargetStatus != domain.OrderStatusRefunded {
		t.Fatal("expected transition to refunded")
	}

	if len(audit.records) != 1 || audit.records[0].Action != "payment.refund.recorded" {
		t.Fatalf("unexpected audit actions %v", audit.actions())
	}
	if audit.records[0].Details["full"] != true {
		t.Fatalf("expected full refund audited, got %v", audit.records[0].Details)
	}
}

func TestReconcileRefundPartialRecordsWithoutTransition(t *testing.T) {
	order := paidOrder()
	audit := &stubAuditService{}

	var transitions int
	var updatedOrder *domain.Order

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			transitionFn: func(ctx context.Context, o domain.Order, expected domain.OrderStatus) error {
				updatedOrder = &o
				return nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				transitions++
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		AuditLog:      audit,
	})

	result, err := svc.ReconcileRefund(context.Background(), RefundCommand{
		OrderID:  order.ID,
		RefundID: "ref_2",
		Amount:   2000,
	})
	if err != nil {
		t.Fatalf("ReconcileRefund returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if transitions != 0 {
		t.Fatal("partial refund must not change order status")
	}
	if updatedOrder == nil || updatedOrder.Payment.RefundedAmount != 2000 {
		t.Fatal("expected partial amount recorded")
	}
	if updatedOrder.Payment.RefundedAt != nil {
		t.Fatal("partial refund must not set RefundedAt")
	}
	if audit.records[0].Details["full"] != false {
		t.Fatalf("expected partial refund audited, got %v", audit.records[0].Details)
	}
}

func TestReconcileRefundAlreadyRefunded(t *testing.T) {
	order := paidOrder()
	order.Status = domain.OrderStatusRefunded

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
	})

	result, err := svc.ReconcileRefund(context.Background(), RefundCommand{OrderID: order.ID, RefundID: "ref_1"})
	if err != nil {
		t.Fatalf("ReconcileRefund returned error: %v", err)
	}
	if result.Outcome != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied, got %s", result.Outcome)
	}
}

func TestReconcileRefundRejectsUnsettledOrder(t *testing.T) {
	order := lifecycleOrder()

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
	})

	result, err := svc.ReconcileRefund(context.Background(), RefundCommand{OrderID: order.ID, RefundID: "ref_1"})
	if err != nil {
		t.Fatalf("ReconcileRefund returned error: %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "no captured funds") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestVerifyReportsDiscrepancies(t *testing.T) {
	order := paidOrder()

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		Gateway: &stubGateway{
			getOrderFn: func(ctx context.Context, paymentCtx payments.PaymentContext, gatewayOrderID string) (payments.GatewayOrder, error) {
				return payments.GatewayOrder{
					OrderID:  gatewayOrderID,
					Status:   payments.OrderStatusApproved,
					Amount:   4900,
					Currency: "JPY",
				}, nil
			},
			getCaptureFn: func(ctx context.Context, paymentCtx payments.PaymentContext, captureID string) (payments.CaptureDetails, error) {
				return payments.CaptureDetails{}, payments.ErrGatewayNotFound
			},
		},
	})

	report, err := svc.Verify(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	if report.AmountMatches {
		t.Fatal("expected amount mismatch")
	}
	if report.LocalAmount != 5400 || report.GatewayAmount != 4900 {
		t.Fatalf("unexpected amounts %d/%d", report.LocalAmount, report.GatewayAmount)
	}
	if len(report.Discrepancies) != 3 {
		t.Fatalf("expected amount, status, and capture discrepancies, got %v", report.Discrepancies)
	}
	if !strings.Contains(report.Discrepancies[2], "unknown to gateway") {
		t.Fatalf("expected unknown capture discrepancy, got %q", report.Discrepancies[2])
	}
}

func TestVerifyCleanOrder(t *testing.T) {
	order := paidOrder()

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		Gateway: &stubGateway{
			getOrderFn: func(ctx context.Context, paymentCtx payments.PaymentContext, gatewayOrderID string) (payments.GatewayOrder, error) {
				return payments.GatewayOrder{
					OrderID: gatewayOrderID,
					Status:  payments.OrderStatusCompleted,
					Amount:  5400,
				}, nil
			},
			getCaptureFn: func(ctx context.Context, paymentCtx payments.PaymentContext, captureID string) (payments.CaptureDetails, error) {
				return payments.CaptureDetails{
					CaptureID: captureID,
					Status:    payments.CaptureStatusCompleted,
					Amount:    5400,
				}, nil
			},
		},
	})

	report, err := svc.Verify(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if !report.AmountMatches || len(report.Discrepancies) != 0 {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestVerifyRequiresGatewayReference(t *testing.T) {
	order := lifecycleOrder()

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
		Gateway:       &stubGateway{},
	})

	if _, err := svc.Verify(context.Background(), order.ID); !errors.Is(err, ErrReconcileInvalidInput) {
		t.Fatalf("expected ErrReconcileInvalidInput, got %v", err)
	}
}

// inMemoryGatewayEvents backs the dedup repo with a map so tests can exercise
// the create/find/mark lifecycle across deliveries.
func inMemoryGatewayEvents() (*stubGatewayEventRepo, map[string]*domain.GatewayEventRecord) {
	records := map[string]*domain.GatewayEventRecord{}
	repo := &stubGatewayEventRepo{
		createFn: func(ctx context.Context, record domain.GatewayEventRecord) error {
			key := record.Provider + "/" + record.EventID
			if _, exists := records[key]; exists {
				return repoError{conflict: true}
			}
			stored := record
			records[key] = &stored
			return nil
		},
		markProcessedFn: func(ctx context.Context, provider, eventID string, processedAt time.Time) error {
			stored, ok := records[provider+"/"+eventID]
			if !ok {
				return repoError{notFound: true}
			}
			at := processedAt
			stored.ProcessedAt = &at
			return nil
		},
		findFn: func(ctx context.Context, provider, eventID string) (domain.GatewayEventRecord, error) {
			if stored, ok := records[provider+"/"+eventID]; ok {
				return *stored, nil
			}
			return domain.GatewayEventRecord{}, repoError{notFound: true}
		},
	}
	return repo, records
}

func TestIngestWebhookDeduplicatesDeliveries(t *testing.T) {
	events, records := inMemoryGatewayEvents()
	var dispatched int

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				dispatched++
				return Order{}, ErrOrderNotFound
			},
		},
		GatewayEvents: events,
	})

	cmd := WebhookCommand{Provider: "PayPal", EventID: "WH-1", EventType: "capture-completed", OrderID: "ord_1"}

	first, err := svc.IngestWebhook(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	if first.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected for unknown order, got %s", first.Outcome)
	}
	if len(records) != 1 {
		t.Fatalf("expected dedup record written, got %d", len(records))
	}
	stored, ok := records["paypal/WH-1"]
	if !ok {
		t.Fatalf("expected provider lowercased in record key, got %v", records)
	}
	if !strings.HasPrefix(stored.ID, "gwe_") {
		t.Fatalf("expected gwe_ prefix, got %q", stored.ID)
	}
	if stored.ProcessedAt == nil {
		t.Fatal("expected first delivery marked processed")
	}

	second, err := svc.IngestWebhook(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second delivery returned error: %v", err)
	}
	if second.Outcome != OutcomeAlreadyApplied || second.Reason != "duplicate delivery" {
		t.Fatalf("expected duplicate delivery outcome, got %+v", second)
	}
	if dispatched != 1 {
		t.Fatalf("duplicate must not dispatch, dispatch count %d", dispatched)
	}
}

func TestIngestWebhookRedeliversWhenFirstDispatchFailed(t *testing.T) {
	order := lifecycleOrder()
	events, records := inMemoryGatewayEvents()

	var lookups int
	var transitions int
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				lookups++
				if lookups == 1 {
					return Order{}, errors.New("order store unavailable")
				}
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				transitions++
				confirmed := order
				confirmed.Status = domain.OrderStatusConfirmed
				return confirmed, nil
			},
		},
		GatewayEvents: events,
	})

	cmd := WebhookCommand{Provider: "paypal", EventID: "WH-9", EventType: "order-approved", OrderID: order.ID}

	if _, err := svc.IngestWebhook(context.Background(), cmd); err == nil {
		t.Fatal("expected first delivery to surface the dispatch failure")
	}
	if stored := records["paypal/WH-9"]; stored == nil || stored.ProcessedAt != nil {
		t.Fatal("failed dispatch must leave the record unprocessed")
	}

	// The gateway retries the same event id. The dedup record exists but was
	// never processed, so the transition must apply this time.
	result, err := svc.IngestWebhook(context.Background(), cmd)
	if err != nil {
		t.Fatalf("redelivery returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied on redelivery, got %s (%s)", result.Outcome, result.Reason)
	}
	if transitions != 1 {
		t.Fatalf("expected exactly 1 transition, got %d", transitions)
	}
	if stored := records["paypal/WH-9"]; stored == nil || stored.ProcessedAt == nil {
		t.Fatal("successful redelivery must mark the record processed")
	}

	third, err := svc.IngestWebhook(context.Background(), cmd)
	if err != nil {
		t.Fatalf("third delivery returned error: %v", err)
	}
	if third.Outcome != OutcomeAlreadyApplied || third.Reason != "duplicate delivery" {
		t.Fatalf("expected duplicate delivery after processing, got %+v", third)
	}
	if transitions != 1 {
		t.Fatalf("processed event must not transition again, got %d", transitions)
	}
}

func TestIngestWebhookDispatchesCapture(t *testing.T) {
	order := lifecycleOrder()
	order.Payment.GatewayOrderID = valuePtr("gw_ord_1")

	var marked bool
	var captureCmdSeen bool

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{
			findByGatewayFn: func(ctx context.Context, provider, gatewayOrderID string) (domain.Order, error) {
				if gatewayOrderID != "gw_ord_1" {
					return domain.Order{}, repoError{notFound: true}
				}
				return order, nil
			},
		},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				captureCmdSeen = true
				paid := order
				paid.Status = domain.OrderStatusPaid
				return paid, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{
			markProcessedFn: func(ctx context.Context, provider, eventID string, processedAt time.Time) error {
				marked = true
				return nil
			},
		},
	})

	result, err := svc.IngestWebhook(context.Background(), WebhookCommand{
		Provider:       "paypal",
		EventID:        "WH-2",
		EventType:      "capture-completed",
		GatewayOrderID: "gw_ord_1",
		CaptureID:      "cap_hook_1",
		Amount:         5400,
	})
	if err != nil {
		t.Fatalf("IngestWebhook returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", result.Outcome, result.Reason)
	}
	if !captureCmdSeen {
		t.Fatal("expected capture dispatch to transition the order")
	}
	if !marked {
		t.Fatal("expected delivery marked processed")
	}
}

func TestIngestWebhookUnknownTypeIsAcked(t *testing.T) {
	var logged []string
	var marked bool

	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return lifecycleOrder(), nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{
			markProcessedFn: func(ctx context.Context, provider, eventID string, processedAt time.Time) error {
				marked = true
				return nil
			},
		},
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			logged = append(logged, event)
		},
	})

	result, err := svc.IngestWebhook(context.Background(), WebhookCommand{
		Provider:  "stripe",
		EventID:   "evt_x",
		EventType: "payout.created",
		OrderID:   "ord_1",
	})
	if err != nil {
		t.Fatalf("unknown types must not error, got %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "unhandled event type") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}

	var found bool
	for _, event := range logged {
		if event == "reconcile.webhook.unhandled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unhandled log, got %v", logged)
	}
	if !marked {
		t.Fatal("unknown types must still mark the delivery processed")
	}
}

func TestIngestWebhookValidatesInput(t *testing.T) {
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders:        &stubOrderRepo{},
		OrderService:  &stubOrderServiceImpl{},
		GatewayEvents: &stubGatewayEventRepo{},
	})

	if _, err := svc.IngestWebhook(context.Background(), WebhookCommand{EventID: "x"}); !errors.Is(err, ErrReconcileInvalidInput) {
		t.Fatalf("expected ErrReconcileInvalidInput, got %v", err)
	}
	if _, err := svc.IngestWebhook(context.Background(), WebhookCommand{Provider: "stripe"}); !errors.Is(err, ErrReconcileInvalidInput) {
		t.Fatalf("expected ErrReconcileInvalidInput, got %v", err)
	}
}

func TestIngestWebhookOrderApprovedTransition(t *testing.T) {
	order := lifecycleOrder()

	var transitionCmd *OrderStatusTransitionCommand
	svc := newTestReconciliationService(t, ReconciliationServiceDeps{
		Orders: &stubOrderRepo{},
		OrderService: &stubOrderServiceImpl{
			getOrderFn: func(ctx context.Context, id string) (Order, error) {
				return order, nil
			},
			transitionFn: func(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
				transitionCmd = &cmd
				confirmed := order
				confirmed.Status = domain.OrderStatusConfirmed
				return confirmed, nil
			},
		},
		GatewayEvents: &stubGatewayEventRepo{},
	})

	result, err := svc.IngestWebhook(context.Background(), WebhookCommand{
		Provider:  "paypal",
		EventID:   "WH-3",
		EventType: "order-approved",
		OrderID:   order.ID,
	})
	if err != nil {
		t.Fatalf("IngestWebhook returned error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", result.Outcome, result.Reason)
	}
	if transitionCmd == nil || transitionCmd.TargetStatus != domain.OrderStatusConfirmed {
		t.Fatal("expected transition to confirmed")
	}
}
