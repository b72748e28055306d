package services

import (
	"context"
	"time"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination               = domain.Pagination
	SortOrder                = domain.SortOrder
	Order                    = domain.Order
	OrderItem                = domain.OrderItem
	OrderStatus              = domain.OrderStatus
	OrderContact             = domain.OrderContact
	OrderStatusEvent         = domain.OrderStatusEvent
	ActorType                = domain.ActorType
	Payment                  = domain.Payment
	InventoryTransaction     = domain.InventoryTransaction
	InventoryTransactionType = domain.InventoryTransactionType
	VariantStock             = domain.VariantStock
	VendorSettings           = domain.VendorSettings
	GatewayEventRecord       = domain.GatewayEventRecord
	Notification             = domain.Notification
	NotificationPriority     = domain.NotificationPriority
	NotificationTemplate     = domain.NotificationTemplate
	AuditLogEntry            = domain.AuditLogEntry
	SystemHealthReport       = domain.SystemHealthReport
	OrderEvent               = domain.OrderEvent
)

// OrderService drives the order lifecycle and exposes its audit trail.
type OrderService interface {
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListStatusEvents(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderStatusEvent], error)
}

// InventoryService owns the stock ledger: every change to on-hand
// quantity flows through a transaction row appended here.
type InventoryService interface {
	RecordSale(ctx context.Context, cmd InventoryChangeCommand) (InventoryTransaction, error)
	RecordRefund(ctx context.Context, cmd InventoryChangeCommand) (InventoryTransaction, error)
	RecordAdjustment(ctx context.Context, cmd InventoryAdjustmentCommand) (InventoryTransaction, error)
	GetStock(ctx context.Context, variantID string) (VariantStock, error)
	GetHistory(ctx context.Context, variantID string, filter InventoryHistoryFilter) (domain.CursorPage[InventoryTransaction], error)
}

// ReconciliationService folds gateway payment activity into the order lifecycle.
type ReconciliationService interface {
	ReconcileCapture(ctx context.Context, cmd CaptureCommand) (ReconcileResult, error)
	ReconcileRefund(ctx context.Context, cmd RefundCommand) (ReconcileResult, error)
	Verify(ctx context.Context, orderID string) (VerificationReport, error)
	IngestWebhook(ctx context.Context, cmd WebhookCommand) (ReconcileResult, error)
}

// NotificationDispatcher accepts outbound messages for asynchronous delivery.
type NotificationDispatcher interface {
	Enqueue(ctx context.Context, notification Notification) error
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService aggregates utility endpoints (health checks, audit logs).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// Command and DTO definitions ------------------------------------------------

// OrderStatusTransitionCommand requests a lifecycle change on one order.
type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ExpectedStatus *OrderStatus
	ActorType      ActorType
	ActorID        string
	Reason         string
	Metadata       map[string]any
}

// InventoryChangeCommand carries an order-driven stock movement.
type InventoryChangeCommand struct {
	VariantID     string
	Quantity      int
	Reason        string
	ReferenceType string
	ReferenceID   string
	ActorID       string
}

// InventoryAdjustmentCommand carries a manual stock correction. Reason is required.
type InventoryAdjustmentCommand struct {
	VariantID string
	Delta     int
	Reason    string
	ActorID   string
}

// CaptureCommand reports a settled capture observed at the gateway.
type CaptureCommand struct {
	OrderID   string
	Provider  string
	CaptureID string
	Amount    int64
	Currency  string
	ActorID   string
	Metadata  map[string]any
}

// RefundCommand reports a refund observed at the gateway.
type RefundCommand struct {
	OrderID  string
	Provider string
	RefundID string
	Amount   int64
	Currency string
	ActorID  string
	Reason   string
	Metadata map[string]any
}

// WebhookCommand carries one verified gateway webhook delivery. OrderID
// is the local order when known; GatewayOrderID is the gateway's id.
type WebhookCommand struct {
	Provider       string
	EventID        string
	EventType      string
	OrderID        string
	GatewayOrderID string
	CaptureID      string
	Amount         int64
	Currency       string
	Payload        map[string]any
}

// ReconcileOutcome classifies the effect of a reconciliation attempt.
type ReconcileOutcome string

const (
	// OutcomeApplied means the order state changed as a result of the event.
	OutcomeApplied ReconcileOutcome = "applied"
	// OutcomeAlreadyApplied means the event was a duplicate of settled work.
	OutcomeAlreadyApplied ReconcileOutcome = "already_applied"
	// OutcomeRejected means the event could not be applied; Reason explains why.
	OutcomeRejected ReconcileOutcome = "rejected"
)

// ReconcileResult reports the outcome of a capture, refund, or webhook.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	Reason  string
	Order   *Order
}

// VerificationReport compares local order state against the gateway's view.
type VerificationReport struct {
	OrderID       string
	LocalStatus   OrderStatus
	GatewayStatus string
	AmountMatches bool
	LocalAmount   int64
	GatewayAmount int64
	Discrepancies []string
	CheckedAt     time.Time
}

// AuditLogRecord is the write-side shape accepted by the audit service.
type AuditLogRecord struct {
	Action    string
	TargetRef string
	ActorType ActorType
	ActorID   string
	Details   map[string]any
}

type OrderListFilter = repositories.OrderListFilter

type InventoryHistoryFilter = repositories.InventoryHistoryFilter

type AuditLogFilter = repositories.AuditLogFilter
