package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage bundles a page of results with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order has been placed but not yet acknowledged.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the buyer approved the order at the gateway.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPaid indicates funds were captured and fulfilment can begin.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates the vendor is preparing the order.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPacked indicates the order is packed and awaiting carrier handoff.
	OrderStatusPacked OrderStatus = "packed"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before payment settled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates captured funds were returned to the buyer.
	OrderStatusRefunded OrderStatus = "refunded"
)

// ActorType identifies who or what drove an order transition.
type ActorType string

const (
	// ActorTypeBuyer marks transitions initiated by the purchasing user.
	ActorTypeBuyer ActorType = "buyer"
	// ActorTypeVendor marks transitions initiated by the selling vendor.
	ActorTypeVendor ActorType = "vendor"
	// ActorTypeOperator marks transitions initiated by back-office staff.
	ActorTypeOperator ActorType = "operator"
	// ActorTypeGateway marks transitions driven by payment gateway events.
	ActorTypeGateway ActorType = "gateway"
	// ActorTypeSystem marks transitions applied by automated reconciliation.
	ActorTypeSystem ActorType = "system"
)

// Order captures the order aggregate shared across services and repositories.
type Order struct {
	ID           string
	OrderNumber  string
	BuyerID      string
	VendorID     string
	Currency     string
	TotalAmount  int64
	Status       OrderStatus
	Items        []OrderItem
	Payment      Payment
	Contact      OrderContact
	Locale       string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PaidAt       *time.Time
	ShippedAt    *time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	RefundedAt   *time.Time
	CancelReason *string
}

// OrderItem snapshots a purchased variant at placement time.
type OrderItem struct {
	VariantID string
	ProductID string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
	Total     int64
	Metadata  map[string]any
}

// OrderContact stores the buyer contact snapshot used for notifications.
type OrderContact struct {
	Email string
	Phone string
}

// Payment holds gateway references and capture state for an order.
type Payment struct {
	Provider       string
	GatewayOrderID *string
	CaptureID      *string
	Amount         int64
	Currency       string
	Automatic      bool
	CapturedAt     *time.Time
	RefundedAt     *time.Time
	RefundedAmount int64
	Raw            map[string]any
}

// OrderStatusEvent is an append-only audit record of a status transition.
type OrderStatusEvent struct {
	ID             string
	OrderID        string
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
	ActorType      ActorType
	ActorID        string
	Reason         string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// InventoryTransactionType enumerates the origin of a ledger entry.
type InventoryTransactionType string

const (
	// InventoryTransactionSale records stock leaving on a paid order.
	InventoryTransactionSale InventoryTransactionType = "sale"
	// InventoryTransactionRefund records stock returning on a refunded order.
	InventoryTransactionRefund InventoryTransactionType = "refund"
	// InventoryTransactionAdjustment records a manual stock correction.
	InventoryTransactionAdjustment InventoryTransactionType = "adjustment"
)

// InventoryTransaction is one immutable row of the stock ledger.
type InventoryTransaction struct {
	ID            string
	VariantID     string
	Delta         int
	Type          InventoryTransactionType
	Reason        string
	ReferenceType string
	ReferenceID   string
	ActorID       string
	CreatedAt     time.Time
}

// VariantStock caches the current on-hand quantity derived from the ledger.
type VariantStock struct {
	VariantID string
	VendorID  string
	OnHand    int
	UpdatedAt time.Time
}

// VendorSettings stores per-vendor policies consulted by the ledger.
type VendorSettings struct {
	VendorID           string
	AllowNegativeStock bool
	UpdatedAt          time.Time
}

// GatewayEventRecord marks a webhook delivery as received, keyed by
// provider and the gateway-assigned event id.
type GatewayEventRecord struct {
	ID          string
	Provider    string
	EventID     string
	EventType   string
	OrderID     string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// NotificationPriority orders items within the dispatch queue.
type NotificationPriority string

const (
	// NotificationPriorityHigh drains ahead of all normal-priority items.
	NotificationPriorityHigh NotificationPriority = "high"
	// NotificationPriorityNormal drains in arrival order behind high items.
	NotificationPriorityNormal NotificationPriority = "normal"
)

// NotificationTemplate identifies the message template for a queue item.
type NotificationTemplate string

const (
	// TemplateOrderConfirmed is sent when payment settles.
	TemplateOrderConfirmed NotificationTemplate = "order_confirmed"
	// TemplateOrderShipped is sent when the order ships.
	TemplateOrderShipped NotificationTemplate = "order_shipped"
	// TemplateOrderDelivered is sent on delivery confirmation.
	TemplateOrderDelivered NotificationTemplate = "order_delivered"
	// TemplateOrderCancelled is sent when the order is cancelled.
	TemplateOrderCancelled NotificationTemplate = "order_cancelled"
	// TemplateRefundProcessed is sent when a refund settles.
	TemplateRefundProcessed NotificationTemplate = "refund_processed"
)

// Notification is a queued outbound message awaiting dispatch.
type Notification struct {
	ID         string
	Template   NotificationTemplate
	Recipient  string
	Locale     string
	OrderID    string
	Data       map[string]any
	Priority   NotificationPriority
	RetryCount int
	LastError  string
	EnqueuedAt time.Time
}

// AuditLogEntry records reconciliation anomalies and manual interventions.
type AuditLogEntry struct {
	ID        string
	Action    string
	TargetRef string
	ActorType ActorType
	ActorID   string
	Details   map[string]any
	CreatedAt time.Time
}

// ComponentHealth reports the probe result for one downstream dependency.
type ComponentHealth struct {
	Name      string
	Healthy   bool
	Detail    string
	CheckedAt time.Time
}

// SystemHealthReport aggregates component probes for the health endpoint.
type SystemHealthReport struct {
	Healthy    bool
	Components []ComponentHealth
}

// OrderEvent is published to downstream consumers after a transition commits.
type OrderEvent struct {
	Type           string
	OrderID        string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}
