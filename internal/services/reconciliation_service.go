package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/payments"
	"github.com/vendora/engine/internal/repositories"
)

const gatewayEventIDPrefix = "gwe_"

var (
	// ErrReconcileInvalidInput signals the caller provided invalid data.
	ErrReconcileInvalidInput = errors.New("reconcile: invalid input")
	// ErrReconciliationMismatch marks recorded discrepancies between local and gateway state.
	ErrReconciliationMismatch = errors.New("reconcile: state mismatch")
)

// Gateway is the slice of the payments manager the reconciler depends on.
type Gateway interface {
	CaptureOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureOrderRequest) (payments.CaptureDetails, error)
	RefundCapture(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundCaptureRequest) (payments.RefundDetails, error)
	GetOrder(ctx context.Context, paymentCtx payments.PaymentContext, gatewayOrderID string) (payments.GatewayOrder, error)
	GetCapture(ctx context.Context, paymentCtx payments.PaymentContext, captureID string) (payments.CaptureDetails, error)
}

// ReconciliationServiceDeps bundles collaborators for the reconciliation service.
type ReconciliationServiceDeps struct {
	Orders        repositories.OrderRepository
	OrderService  OrderService
	GatewayEvents repositories.GatewayEventRepository
	Gateway       Gateway
	AuditLog      AuditLogService
	AmountEpsilon int64
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	orders        repositories.OrderRepository
	orderService  OrderService
	gatewayEvents repositories.GatewayEventRepository
	gateway       Gateway
	auditLog      AuditLogService
	epsilon       int64
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewReconciliationService wires dependencies into a concrete ReconciliationService.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.OrderService == nil {
		return nil, errors.New("reconciliation service: order service is required")
	}
	if deps.GatewayEvents == nil {
		return nil, errors.New("reconciliation service: gateway event repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconciliationService{
		orders:        deps.Orders,
		orderService:  deps.OrderService,
		gatewayEvents: deps.GatewayEvents,
		gateway:       deps.Gateway,
		auditLog:      deps.AuditLog,
		epsilon:       deps.AmountEpsilon,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ReconcileCapture folds a settled (or requested) capture into the order
// lifecycle. The first capture id recorded for an order wins; later
// captures with a different id are flagged, never overwritten.
func (s *reconciliationService) ReconcileCapture(ctx context.Context, cmd CaptureCommand) (ReconcileResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrReconcileInvalidInput)
	}

	order, err := s.orderService.GetOrder(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, err
	}

	captureID := strings.TrimSpace(cmd.CaptureID)
	amount := cmd.Amount

	// No capture id means the caller wants the gateway capture executed
	// now. A timeout here leaves the outcome unknown: surface the error
	// without touching order state so a later webhook can settle it.
	if captureID == "" {
		if s.gateway == nil || order.Payment.GatewayOrderID == nil {
			return ReconcileResult{}, fmt.Errorf("%w: no capture id and no gateway order to capture", ErrReconcileInvalidInput)
		}
		details, err := s.gateway.CaptureOrder(ctx, s.paymentContext(order), payments.CaptureOrderRequest{
			GatewayOrderID: *order.Payment.GatewayOrderID,
			Currency:       order.Currency,
			IdempotencyKey: "cap_" + order.ID,
		})
		if err != nil {
			return ReconcileResult{}, err
		}
		if details.Status != payments.CaptureStatusCompleted && details.Status != payments.CaptureStatusPending {
			return ReconcileResult{Outcome: OutcomeRejected, Reason: fmt.Sprintf("gateway capture status %s", details.Status)}, nil
		}
		captureID = details.CaptureID
		amount = details.Amount
	}

	if settled(order.Status) {
		if order.Payment.CaptureID != nil && *order.Payment.CaptureID != captureID {
			s.recordAnomaly(ctx, order, "capture_id_mismatch", map[string]any{
				"recordedCaptureId": *order.Payment.CaptureID,
				"reportedCaptureId": captureID,
			})
			return ReconcileResult{Outcome: OutcomeRejected, Reason: "capture id differs from recorded capture", Order: &order}, nil
		}
		merged, err := s.mergeCaptureMetadata(ctx, order, cmd.Metadata)
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &merged}, nil
	}

	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusConfirmed {
		return ReconcileResult{Outcome: OutcomeRejected, Reason: fmt.Sprintf("order status %s cannot accept a capture", order.Status), Order: &order}, nil
	}

	// First write wins even before the order settles: a capture id recorded
	// by an earlier attempt is never replaced by a different one.
	if order.Payment.CaptureID != nil && *order.Payment.CaptureID != captureID {
		s.recordAnomaly(ctx, order, "capture_id_mismatch", map[string]any{
			"recordedCaptureId": *order.Payment.CaptureID,
			"reportedCaptureId": captureID,
		})
		return ReconcileResult{Outcome: OutcomeRejected, Reason: "capture id differs from recorded capture", Order: &order}, nil
	}

	if amount > 0 && !s.amountsMatch(amount, order.TotalAmount) {
		s.recordAnomaly(ctx, order, "capture_amount_mismatch", map[string]any{
			"orderTotal":     order.TotalAmount,
			"capturedAmount": amount,
		})
		s.logger(ctx, "reconcile.capture.amount.mismatch", map[string]any{
			"order":    order.ID,
			"expected": order.TotalAmount,
			"captured": amount,
			"error":    ErrReconciliationMismatch.Error(),
		})
	}

	now := s.now()
	updated := order
	updated.Payment.CaptureID = valuePtr(captureID)
	updated.Payment.Automatic = true
	updated.Payment.CapturedAt = &now
	if amount > 0 {
		updated.Payment.Amount = amount
	}
	if cmd.Provider != "" {
		updated.Payment.Provider = strings.ToLower(strings.TrimSpace(cmd.Provider))
	}
	if err := s.orders.Transition(ctx, updated, order.Status); err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOrderConflict) {
			current, getErr := s.orderService.GetOrder(ctx, order.ID)
			if getErr == nil && settled(current.Status) {
				return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &current}, nil
			}
		}
		return ReconcileResult{}, mapped
	}

	expected := order.Status
	transitioned, err := s.orderService.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID:        order.ID,
		TargetStatus:   domain.OrderStatusPaid,
		ExpectedStatus: &expected,
		ActorType:      domain.ActorTypeGateway,
		ActorID:        cmd.ActorID,
		Reason:         "capture " + captureID,
		Metadata:       cmd.Metadata,
	})
	if err != nil {
		if errors.Is(err, ErrOrderConflict) {
			// A concurrent delivery won the race; treat this one as settled.
			current, getErr := s.orderService.GetOrder(ctx, order.ID)
			if getErr == nil && settled(current.Status) {
				return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &current}, nil
			}
		}
		return ReconcileResult{}, err
	}

	s.audit(ctx, "payment.capture.applied", order.ID, cmd.ActorID, map[string]any{
		"captureId": captureID,
		"amount":    amount,
	})

	return ReconcileResult{Outcome: OutcomeApplied, Order: &transitioned}, nil
}

// ReconcileRefund applies a gateway refund. A refund covering the captured
// total moves the order to refunded; a partial refund is recorded on the
// payment and in the audit trail without changing order status.
func (s *reconciliationService) ReconcileRefund(ctx context.Context, cmd RefundCommand) (ReconcileResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrReconcileInvalidInput)
	}

	order, err := s.orderService.GetOrder(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, err
	}

	if order.Status == domain.OrderStatusRefunded {
		return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &order}, nil
	}
	if !settled(order.Status) {
		return ReconcileResult{Outcome: OutcomeRejected, Reason: fmt.Sprintf("order status %s has no captured funds", order.Status), Order: &order}, nil
	}

	amount := cmd.Amount
	refundID := strings.TrimSpace(cmd.RefundID)

	// No refund id means the caller wants the gateway refund executed now.
	if refundID == "" {
		if s.gateway == nil || order.Payment.CaptureID == nil {
			return ReconcileResult{}, fmt.Errorf("%w: no refund id and no recorded capture to refund", ErrReconcileInvalidInput)
		}
		req := payments.RefundCaptureRequest{
			CaptureID:      *order.Payment.CaptureID,
			Currency:       order.Currency,
			Reason:         cmd.Reason,
			IdempotencyKey: "ref_" + order.ID,
		}
		if amount > 0 && amount < capturedTotal(order) {
			req.Amount = valuePtr(amount)
		}
		details, err := s.gateway.RefundCapture(ctx, s.paymentContext(order), req)
		if err != nil {
			return ReconcileResult{}, err
		}
		refundID = details.RefundID
		if details.Amount > 0 {
			amount = details.Amount
		}
	}
	if amount <= 0 {
		amount = capturedTotal(order)
	}

	total := capturedTotal(order)
	full := amount+s.epsilon >= total

	now := s.now()
	updated := order
	updated.Payment.RefundedAmount = order.Payment.RefundedAmount + amount
	if full {
		updated.Payment.RefundedAt = &now
	}
	if err := s.orders.Transition(ctx, updated, order.Status); err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOrderConflict) {
			current, getErr := s.orderService.GetOrder(ctx, order.ID)
			if getErr == nil && current.Status == domain.OrderStatusRefunded {
				return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &current}, nil
			}
		}
		return ReconcileResult{}, mapped
	}

	s.audit(ctx, "payment.refund.recorded", order.ID, cmd.ActorID, map[string]any{
		"refundId": refundID,
		"amount":   amount,
		"full":     full,
		"reason":   cmd.Reason,
	})

	if !full {
		return ReconcileResult{Outcome: OutcomeApplied, Order: &updated}, nil
	}

	expected := order.Status
	transitioned, err := s.orderService.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID:        order.ID,
		TargetStatus:   domain.OrderStatusRefunded,
		ExpectedStatus: &expected,
		ActorType:      domain.ActorTypeGateway,
		ActorID:        cmd.ActorID,
		Reason:         strings.TrimSpace(cmd.Reason),
		Metadata:       cmd.Metadata,
	})
	if err != nil {
		if errors.Is(err, ErrOrderConflict) {
			current, getErr := s.orderService.GetOrder(ctx, order.ID)
			if getErr == nil && current.Status == domain.OrderStatusRefunded {
				return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &current}, nil
			}
		}
		return ReconcileResult{}, err
	}

	return ReconcileResult{Outcome: OutcomeApplied, Order: &transitioned}, nil
}

// Verify compares local order state against the gateway's records. It is
// read only and never drives transitions.
func (s *reconciliationService) Verify(ctx context.Context, orderID string) (VerificationReport, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return VerificationReport{}, fmt.Errorf("%w: order id is required", ErrReconcileInvalidInput)
	}
	if s.gateway == nil {
		return VerificationReport{}, errors.New("reconcile: gateway is not configured")
	}

	order, err := s.orderService.GetOrder(ctx, orderID)
	if err != nil {
		return VerificationReport{}, err
	}
	if order.Payment.GatewayOrderID == nil {
		return VerificationReport{}, fmt.Errorf("%w: order has no gateway reference", ErrReconcileInvalidInput)
	}

	gatewayOrder, err := s.gateway.GetOrder(ctx, s.paymentContext(order), *order.Payment.GatewayOrderID)
	if err != nil {
		return VerificationReport{}, err
	}

	report := VerificationReport{
		OrderID:       order.ID,
		LocalStatus:   order.Status,
		GatewayStatus: string(gatewayOrder.Status),
		LocalAmount:   order.TotalAmount,
		GatewayAmount: gatewayOrder.Amount,
		AmountMatches: s.amountsMatch(order.TotalAmount, gatewayOrder.Amount),
		CheckedAt:     s.now(),
	}

	if !report.AmountMatches {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("amount: local %d, gateway %d", order.TotalAmount, gatewayOrder.Amount))
	}
	if settled(order.Status) != (gatewayOrder.Status == payments.OrderStatusCompleted) {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("status: local %s, gateway %s", order.Status, gatewayOrder.Status))
	}
	if order.Payment.CaptureID != nil {
		capture, err := s.gateway.GetCapture(ctx, s.paymentContext(order), *order.Payment.CaptureID)
		switch {
		case errors.Is(err, payments.ErrGatewayNotFound):
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("capture %s unknown to gateway", *order.Payment.CaptureID))
		case err != nil:
			return VerificationReport{}, err
		case !s.amountsMatch(capturedTotal(order), capture.Amount):
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("capture amount: local %d, gateway %d", capturedTotal(order), capture.Amount))
		}
	}

	if len(report.Discrepancies) > 0 {
		s.logger(ctx, "reconcile.verify.mismatch", map[string]any{
			"order":         order.ID,
			"discrepancies": report.Discrepancies,
			"error":         ErrReconciliationMismatch.Error(),
		})
	}

	return report, nil
}

// IngestWebhook deduplicates a verified gateway delivery and dispatches it
// to the matching reconciliation path. The dedup record is written before
// any state is touched; a redelivery is acked only once the record carries a
// processed timestamp, otherwise it is dispatched again.
func (s *reconciliationService) IngestWebhook(ctx context.Context, cmd WebhookCommand) (ReconcileResult, error) {
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	eventID := strings.TrimSpace(cmd.EventID)
	if provider == "" || eventID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: provider and event id are required", ErrReconcileInvalidInput)
	}

	now := s.now()
	record := domain.GatewayEventRecord{
		ID:         gatewayEventIDPrefix + s.newID(),
		Provider:   provider,
		EventID:    eventID,
		EventType:  cmd.EventType,
		OrderID:    cmd.OrderID,
		ReceivedAt: now,
	}
	if err := s.gatewayEvents.Create(ctx, record); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			existing, findErr := s.gatewayEvents.Find(ctx, provider, eventID)
			if findErr != nil {
				return ReconcileResult{}, s.mapRepositoryError(findErr)
			}
			// An unprocessed record means the earlier delivery failed
			// between dedup and dispatch. Run the event again instead of
			// acking it away.
			if existing.ProcessedAt == nil {
				s.logger(ctx, "reconcile.webhook.redelivery", map[string]any{
					"provider": provider,
					"event":    eventID,
				})
				return s.processWebhook(ctx, cmd, provider, eventID)
			}
			s.logger(ctx, "reconcile.webhook.duplicate", map[string]any{
				"provider": provider,
				"event":    eventID,
			})
			return ReconcileResult{Outcome: OutcomeAlreadyApplied, Reason: "duplicate delivery"}, nil
		}
		return ReconcileResult{}, s.mapRepositoryError(err)
	}

	return s.processWebhook(ctx, cmd, provider, eventID)
}

func (s *reconciliationService) processWebhook(ctx context.Context, cmd WebhookCommand, provider, eventID string) (ReconcileResult, error) {
	result, err := s.dispatchWebhook(ctx, cmd)
	if err != nil {
		return ReconcileResult{}, err
	}

	if markErr := s.gatewayEvents.MarkProcessed(ctx, provider, eventID, s.now()); markErr != nil {
		s.logger(ctx, "reconcile.webhook.mark.failed", map[string]any{
			"provider": provider,
			"event":    eventID,
			"error":    markErr.Error(),
		})
	}

	return result, nil
}

func (s *reconciliationService) dispatchWebhook(ctx context.Context, cmd WebhookCommand) (ReconcileResult, error) {
	order, err := s.resolveOrder(ctx, cmd)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.logger(ctx, "reconcile.webhook.order.unresolved", map[string]any{
				"provider": cmd.Provider,
				"event":    cmd.EventID,
				"type":     cmd.EventType,
			})
			return ReconcileResult{Outcome: OutcomeRejected, Reason: "order not found"}, nil
		}
		return ReconcileResult{}, err
	}

	switch cmd.EventType {
	case "capture-completed":
		return s.ReconcileCapture(ctx, CaptureCommand{
			OrderID:   order.ID,
			Provider:  cmd.Provider,
			CaptureID: cmd.CaptureID,
			Amount:    cmd.Amount,
			Currency:  cmd.Currency,
			Metadata:  cmd.Payload,
		})
	case "capture-denied":
		return s.transitionFromWebhook(ctx, order, domain.OrderStatusPending, domain.OrderStatusCancelled, "gateway capture denied")
	case "capture-refunded":
		return s.ReconcileRefund(ctx, RefundCommand{
			OrderID:  order.ID,
			Provider: cmd.Provider,
			RefundID: cmd.EventID,
			Amount:   cmd.Amount,
			Currency: cmd.Currency,
			Reason:   "gateway refund",
			Metadata: cmd.Payload,
		})
	case "order-approved":
		return s.transitionFromWebhook(ctx, order, domain.OrderStatusPending, domain.OrderStatusConfirmed, "gateway order approved")
	case "order-completed":
		return s.transitionFromWebhook(ctx, order, domain.OrderStatusConfirmed, domain.OrderStatusPaid, "gateway order completed")
	default:
		s.logger(ctx, "reconcile.webhook.unhandled", map[string]any{
			"provider": cmd.Provider,
			"event":    cmd.EventID,
			"type":     cmd.EventType,
		})
		return ReconcileResult{Outcome: OutcomeRejected, Reason: "unhandled event type " + cmd.EventType}, nil
	}
}

func (s *reconciliationService) transitionFromWebhook(ctx context.Context, order Order, expected, target domain.OrderStatus, reason string) (ReconcileResult, error) {
	if order.Status == target {
		return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &order}, nil
	}
	if order.Status != expected {
		return ReconcileResult{Outcome: OutcomeRejected, Reason: fmt.Sprintf("order status %s, expected %s", order.Status, expected), Order: &order}, nil
	}

	transitioned, err := s.orderService.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID:        order.ID,
		TargetStatus:   target,
		ExpectedStatus: &expected,
		ActorType:      domain.ActorTypeGateway,
		Reason:         reason,
	})
	if err != nil {
		if errors.Is(err, ErrOrderConflict) {
			current, getErr := s.orderService.GetOrder(ctx, order.ID)
			if getErr == nil && current.Status == target {
				return ReconcileResult{Outcome: OutcomeAlreadyApplied, Order: &current}, nil
			}
		}
		return ReconcileResult{}, err
	}
	return ReconcileResult{Outcome: OutcomeApplied, Order: &transitioned}, nil
}

func (s *reconciliationService) resolveOrder(ctx context.Context, cmd WebhookCommand) (Order, error) {
	if orderID := strings.TrimSpace(cmd.OrderID); orderID != "" {
		return s.orderService.GetOrder(ctx, orderID)
	}
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	if gatewayOrderID == "" {
		return Order{}, fmt.Errorf("%w: event carries no order reference", ErrOrderNotFound)
	}
	order, err := s.orders.FindByGatewayOrderID(ctx, strings.ToLower(strings.TrimSpace(cmd.Provider)), gatewayOrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *reconciliationService) mergeCaptureMetadata(ctx context.Context, order Order, metadata map[string]any) (Order, error) {
	if len(metadata) == 0 {
		return order, nil
	}
	updated := order
	updated.Metadata = ensureMap(cloneMap(order.Metadata))
	for k, v := range metadata {
		if _, exists := updated.Metadata[k]; !exists {
			updated.Metadata[k] = v
		}
	}
	if err := s.orders.Update(ctx, updated); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *reconciliationService) recordAnomaly(ctx context.Context, order Order, kind string, details map[string]any) {
	updated := order
	updated.Metadata = ensureMap(cloneMap(order.Metadata))
	updated.Metadata["reconciliationAnomaly"] = kind
	if err := s.orders.Update(ctx, updated); err != nil {
		s.logger(ctx, "reconcile.anomaly.flag.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
	s.audit(ctx, "reconcile.anomaly."+kind, order.ID, "", details)
	s.logger(ctx, "reconcile.anomaly", map[string]any{
		"order": order.ID,
		"kind":  kind,
		"error": ErrReconciliationMismatch.Error(),
	})
}

func (s *reconciliationService) audit(ctx context.Context, action, orderID, actorID string, details map[string]any) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Record(ctx, AuditLogRecord{
		Action:    action,
		TargetRef: "orders/" + orderID,
		ActorType: domain.ActorTypeGateway,
		ActorID:   actorID,
		Details:   details,
	})
}

func (s *reconciliationService) paymentContext(order Order) payments.PaymentContext {
	return payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}
}

func (s *reconciliationService) amountsMatch(a, b int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.epsilon
}

func (s *reconciliationService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("reconcile: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *reconciliationService) now() time.Time {
	return s.clock()
}

// settled reports whether captured funds back the order's current status.
func settled(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPaid, domain.OrderStatusProcessing, domain.OrderStatusPacked,
		domain.OrderStatusShipped, domain.OrderStatusDelivered:
		return true
	}
	return false
}

func capturedTotal(order Order) int64 {
	if order.Payment.Amount > 0 {
		return order.Payment.Amount
	}
	return order.TotalAmount
}
