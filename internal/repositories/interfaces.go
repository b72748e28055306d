package repositories

import (
	"context"
	"time"

	domain "github.com/vendora/engine/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates and provides query helpers.
// Transition writes the aggregate only while the stored status still equals
// expected; the comparison runs inside the store's transaction so concurrent
// writers cannot both apply the same edge. A stale expectation fails with a
// conflict.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	Transition(ctx context.Context, order domain.Order, expected domain.OrderStatus) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByGatewayOrderID(ctx context.Context, provider string, gatewayOrderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderStatusEventRepository appends and lists the immutable transition trail per order.
type OrderStatusEventRepository interface {
	Append(ctx context.Context, event domain.OrderStatusEvent) error
	List(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderStatusEvent], error)
}

// InventoryRepository owns the append-only stock ledger and the cached
// on-hand counters. ApplyDelta writes the transaction row and the counter
// update in one transaction so the two can never diverge.
type InventoryRepository interface {
	ApplyDelta(ctx context.Context, req InventoryDeltaRequest) (InventoryDeltaResult, error)
	GetStock(ctx context.Context, variantID string) (domain.VariantStock, error)
	ListTransactions(ctx context.Context, variantID string, filter InventoryHistoryFilter) (domain.CursorPage[domain.InventoryTransaction], error)
}

// InventoryDeltaRequest carries one prepared ledger row. AllowNegative
// disables the floor-at-zero clamp for vendors that oversell.
type InventoryDeltaRequest struct {
	Transaction   domain.InventoryTransaction
	AllowNegative bool
	Now           time.Time
}

// InventoryDeltaResult reports the persisted row and the resulting stock level.
type InventoryDeltaResult struct {
	Transaction domain.InventoryTransaction
	Stock       domain.VariantStock
	Clamped     bool
	Shortfall   int
}

// VendorSettingsRepository reads per-vendor policies consulted by the ledger.
type VendorSettingsRepository interface {
	Get(ctx context.Context, vendorID string) (domain.VendorSettings, error)
	Upsert(ctx context.Context, settings domain.VendorSettings) error
}

// GatewayEventRepository stores webhook delivery records used for
// deduplication. Create must fail with a conflict when a record for the
// same provider and event id already exists.
type GatewayEventRepository interface {
	Create(ctx context.Context, record domain.GatewayEventRecord) error
	MarkProcessed(ctx context.Context, provider string, eventID string, processedAt time.Time) error
	Find(ctx context.Context, provider string, eventID string) (domain.GatewayEventRecord, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	BuyerID    string
	VendorID   string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type InventoryHistoryFilter struct {
	Types      []domain.InventoryTransactionType
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}
