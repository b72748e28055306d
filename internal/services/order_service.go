package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/repositories"
)

const (
	orderEventStatusChanged = "order.status.changed"

	statusEventIDPrefix  = "evt_"
	notificationIDPrefix = "ntf_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	StatusEvents  repositories.OrderStatusEventRepository
	Inventory     InventoryService
	Notifications NotificationDispatcher
	UnitOfWork    repositories.UnitOfWork
	Clock         func() time.Time
	IDGenerator   func() string
	Events        OrderEventPublisher
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	statusEvents  repositories.OrderStatusEventRepository
	inventory     InventoryService
	notifications NotificationDispatcher
	unitOfWork    repositories.UnitOfWork
	clock         func() time.Time
	newID         func() string
	events        OrderEventPublisher
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.StatusEvents == nil {
		return nil, errors.New("order service: status event repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &orderService{
		orders:        deps.Orders,
		statusEvents:  deps.StatusEvents,
		inventory:     deps.Inventory,
		notifications: deps.Notifications,
		unitOfWork:    unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.TargetStatus == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
	}

	now := s.now()
	prevStatus := order.Status

	updated, effects, err := ApplyTransition(order, cmd.TargetStatus, TransitionContext{
		ActorType: cmd.ActorType,
		ActorID:   strings.TrimSpace(cmd.ActorID),
		Reason:    strings.TrimSpace(cmd.Reason),
		Metadata:  cmd.Metadata,
		Now:       now,
	})
	if err != nil {
		return Order{}, err
	}

	var pending []domain.Notification

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		pending = pending[:0]
		// The write carries the status read above as a precondition. A
		// concurrent writer that committed first makes this fail with a
		// conflict before any event or ledger row is produced.
		if err := s.orders.Transition(txCtx, updated, prevStatus); err != nil {
			return s.mapRepositoryError(err)
		}
		for _, effect := range effects {
			switch e := effect.(type) {
			case AppendStatusEvent:
				event := e.Event
				event.ID = statusEventIDPrefix + s.newID()
				if err := s.statusEvents.Append(txCtx, event); err != nil {
					return s.mapRepositoryError(err)
				}
			case AdjustInventory:
				change := InventoryChangeCommand{
					VariantID:     e.VariantID,
					Quantity:      e.Delta,
					Reason:        e.Reason,
					ReferenceType: e.ReferenceType,
					ReferenceID:   e.ReferenceID,
					ActorID:       cmd.ActorID,
				}
				var invErr error
				if e.Type == domain.InventoryTransactionRefund {
					_, invErr = s.inventory.RecordRefund(txCtx, change)
				} else {
					_, invErr = s.inventory.RecordSale(txCtx, change)
				}
				if invErr != nil {
					return invErr
				}
			case EnqueueNotification:
				notification := e.Notification
				notification.ID = notificationIDPrefix + s.newID()
				pending = append(pending, notification)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	// Notifications leave the transaction boundary only after commit so a
	// rollback can never have produced buyer-visible messages.
	for _, notification := range pending {
		if s.notifications == nil {
			break
		}
		if err := s.notifications.Enqueue(ctx, notification); err != nil {
			s.logger(ctx, "order.notification.enqueue.failed", map[string]any{
				"order":    updated.ID,
				"template": string(notification.Template),
				"error":    err.Error(),
			})
		}
	}

	metadata := cloneMap(cmd.Metadata)
	if cmd.Reason != "" {
		metadata = ensureMap(metadata)
		metadata["reason"] = strings.TrimSpace(cmd.Reason)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		PreviousStatus: prevStatus,
		CurrentStatus:  updated.Status,
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return updated, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListStatusEvents(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderStatusEvent], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[OrderStatusEvent]{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	page, err := s.statusEvents.List(ctx, orderID, pager)
	if err != nil {
		return domain.CursorPage[OrderStatusEvent]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) mapRepositoryError(err error) error {
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
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.CurrentStatus),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
