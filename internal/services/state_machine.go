package services

import (
	"errors"
	"fmt"
	"slices"
	"time"

	domain "github.com/vendora/engine/internal/domain"
)

var (
	// ErrIllegalTransition indicates the requested status edge is not part of the lifecycle.
	ErrIllegalTransition = errors.New("order: illegal status transition")
	// ErrUnknownStatus indicates the target status is not a recognised lifecycle state.
	ErrUnknownStatus = errors.New("order: unknown status")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:       {domain.OrderStatusProcessing, domain.OrderStatusRefunded},
	domain.OrderStatusProcessing: {domain.OrderStatusPacked, domain.OrderStatusRefunded},
	domain.OrderStatusPacked:     {domain.OrderStatusShipped, domain.OrderStatusRefunded},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusRefunded},
	domain.OrderStatusDelivered:  {domain.OrderStatusRefunded},
	domain.OrderStatusCancelled:  {},
	domain.OrderStatusRefunded:   {},
}

var transitionNotifications = map[domain.OrderStatus]domain.NotificationTemplate{
	domain.OrderStatusPaid:      domain.TemplateOrderConfirmed,
	domain.OrderStatusShipped:   domain.TemplateOrderShipped,
	domain.OrderStatusDelivered: domain.TemplateOrderDelivered,
	domain.OrderStatusCancelled: domain.TemplateOrderCancelled,
	domain.OrderStatusRefunded:  domain.TemplateRefundProcessed,
}

var highPriorityTemplates = []domain.NotificationTemplate{
	domain.TemplateOrderCancelled,
	domain.TemplateRefundProcessed,
}

// TransitionContext carries the actor and audit metadata for a transition.
type TransitionContext struct {
	ActorType domain.ActorType
	ActorID   string
	Reason    string
	Metadata  map[string]any
	Now       time.Time
}

// TransitionEffect is one side effect the caller must execute, in order,
// alongside persisting the updated order. The set of implementations is
// closed: AppendStatusEvent, AdjustInventory, EnqueueNotification.
type TransitionEffect interface {
	isTransitionEffect()
}

// AppendStatusEvent records the transition in the order's audit trail.
type AppendStatusEvent struct {
	Event domain.OrderStatusEvent
}

// AdjustInventory writes one ledger row per affected variant.
type AdjustInventory struct {
	VariantID     string
	Delta         int
	Type          domain.InventoryTransactionType
	Reason        string
	ReferenceType string
	ReferenceID   string
}

// EnqueueNotification hands a message to the dispatch queue.
type EnqueueNotification struct {
	Notification domain.Notification
}

func (AppendStatusEvent) isTransitionEffect()   {}
func (AdjustInventory) isTransitionEffect()     {}
func (EnqueueNotification) isTransitionEffect() {}

// ApplyTransition validates and applies a status change on an order
// snapshot. It performs no I/O: the returned order is the updated copy
// and the returned effects describe, in execution order, the writes the
// caller must perform atomically with the order update.
func ApplyTransition(order domain.Order, target domain.OrderStatus, tctx TransitionContext) (domain.Order, []TransitionEffect, error) {
	if _, ok := orderStateTransitions[target]; !ok {
		return domain.Order{}, nil, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	if !canTransition(order.Status, target) {
		return domain.Order{}, nil, fmt.Errorf("%w: %s to %s", ErrIllegalTransition, order.Status, target)
	}

	now := tctx.Now.UTC()
	previous := order.Status
	firstPayment := target == domain.OrderStatusPaid && order.PaidAt == nil

	updated := order
	updated.Status = target
	updated.UpdatedAt = now
	updated.Items = slices.Clone(order.Items)
	applyStatusTimestamps(&updated, target, now)
	if target == domain.OrderStatusCancelled && tctx.Reason != "" {
		reason := tctx.Reason
		updated.CancelReason = &reason
	}

	effects := make([]TransitionEffect, 0, 2+len(updated.Items))

	effects = append(effects, AppendStatusEvent{Event: domain.OrderStatusEvent{
		OrderID:        order.ID,
		PreviousStatus: previous,
		NewStatus:      target,
		ActorType:      tctx.ActorType,
		ActorID:        tctx.ActorID,
		Reason:         tctx.Reason,
		Metadata:       cloneMap(tctx.Metadata),
		CreatedAt:      now,
	}})

	switch {
	case firstPayment:
		for _, item := range updated.Items {
			effects = append(effects, AdjustInventory{
				VariantID:     item.VariantID,
				Delta:         -item.Quantity,
				Type:          domain.InventoryTransactionSale,
				Reason:        fmt.Sprintf("sale for order %s", order.ID),
				ReferenceType: "order",
				ReferenceID:   order.ID,
			})
		}
	case target == domain.OrderStatusRefunded:
		for _, item := range updated.Items {
			effects = append(effects, AdjustInventory{
				VariantID:     item.VariantID,
				Delta:         item.Quantity,
				Type:          domain.InventoryTransactionRefund,
				Reason:        fmt.Sprintf("refund for order %s", order.ID),
				ReferenceType: "order",
				ReferenceID:   order.ID,
			})
		}
	}

	if template, ok := transitionNotifications[target]; ok {
		effects = append(effects, EnqueueNotification{Notification: domain.Notification{
			Template:  template,
			Recipient: order.Contact.Email,
			Locale:    order.Locale,
			OrderID:   order.ID,
			Priority:  notificationPriority(template),
			Data: map[string]any{
				"orderNumber":    order.OrderNumber,
				"previousStatus": string(previous),
				"status":         string(target),
			},
			EnqueuedAt: now,
		}})
	}

	return updated, effects, nil
}

func applyStatusTimestamps(order *domain.Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	}
}

func notificationPriority(template domain.NotificationTemplate) domain.NotificationPriority {
	if slices.Contains(highPriorityTemplates, template) {
		return domain.NotificationPriorityHigh
	}
	return domain.NotificationPriorityNormal
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
