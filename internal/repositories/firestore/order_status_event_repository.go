package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/vendora/engine/internal/domain"
	pfirestore "github.com/vendora/engine/internal/platform/firestore"
	"github.com/vendora/engine/internal/repositories"
)

const (
	orderStatusEventCollection = "orderStatusEvents"
)

// OrderStatusEventRepository stores the append-only transition trail per order.
type OrderStatusEventRepository struct {
	base *pfirestore.BaseRepository[statusEventDocument]
}

// NewOrderStatusEventRepository constructs a Firestore-backed status event repository.
func NewOrderStatusEventRepository(provider *pfirestore.Provider) (*OrderStatusEventRepository, error) {
	if provider == nil {
		return nil, errors.New("status event repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[statusEventDocument](provider, orderStatusEventCollection, nil, nil)
	return &OrderStatusEventRepository{base: base}, nil
}

// Append stores a new status event. Events are immutable once written.
func (r *OrderStatusEventRepository) Append(ctx context.Context, event domain.OrderStatusEvent) error {
	if r == nil || r.base == nil {
		return errors.New("status event repository not initialised")
	}
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return errors.New("status event repository: event id is required")
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return errors.New("status event repository: order id is required")
	}

	doc := statusEventDocument{
		OrderID:        strings.TrimSpace(event.OrderID),
		PreviousStatus: string(event.PreviousStatus),
		NewStatus:      string(event.NewStatus),
		ActorType:      string(event.ActorType),
		ActorID:        strings.TrimSpace(event.ActorID),
		Reason:         strings.TrimSpace(event.Reason),
		Metadata:       cloneAnyMap(event.Metadata),
		CreatedAt:      event.CreatedAt.UTC(),
	}

	ref, err := r.base.DocumentRef(ctx, eventID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orderStatusEvents.append", err)
	}
	return nil
}

// List returns the transition trail for an order, newest first.
func (r *OrderStatusEventRepository) List(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderStatusEvent], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.OrderStatusEvent]{}, errors.New("status event repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[domain.OrderStatusEvent]{}, errors.New("status event repository: order id is required")
	}

	pageSize := normalisePageSize(pager.PageSize)

	var cursor *timeCursor
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		decoded, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.OrderStatusEvent]{}, pfirestore.WrapError("orderStatusEvents.list", err)
		}
		cursor = decoded
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		query = query.
			Where("orderId", "==", orderID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor != nil {
			query = query.StartAfter(cursor.At, cursor.ID)
		}
		return query.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.OrderStatusEvent]{}, err
	}

	events := make([]domain.OrderStatusEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.Data.toDomain(doc.ID))
	}

	hasMore := len(events) > pageSize
	if hasMore {
		events = events[:pageSize]
	}
	var nextToken string
	if hasMore && len(events) > 0 {
		last := events[len(events)-1]
		encoded, err := encodeTimeCursor(timeCursor{At: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.OrderStatusEvent]{}, pfirestore.WrapError("orderStatusEvents.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.OrderStatusEvent]{
		Items:         events,
		NextPageToken: nextToken,
	}, nil
}

type statusEventDocument struct {
	OrderID        string         `firestore:"orderId"`
	PreviousStatus string         `firestore:"previousStatus"`
	NewStatus      string         `firestore:"newStatus"`
	ActorType      string         `firestore:"actorType"`
	ActorID        string         `firestore:"actorId,omitempty"`
	Reason         string         `firestore:"reason,omitempty"`
	Metadata       map[string]any `firestore:"metadata,omitempty"`
	CreatedAt      time.Time      `firestore:"createdAt"`
}

func (d statusEventDocument) toDomain(id string) domain.OrderStatusEvent {
	return domain.OrderStatusEvent{
		ID:             id,
		OrderID:        d.OrderID,
		PreviousStatus: domain.OrderStatus(d.PreviousStatus),
		NewStatus:      domain.OrderStatus(d.NewStatus),
		ActorType:      domain.ActorType(d.ActorType),
		ActorID:        d.ActorID,
		Reason:         d.Reason,
		Metadata:       cloneAnyMap(d.Metadata),
		CreatedAt:      d.CreatedAt,
	}
}

var _ repositories.OrderStatusEventRepository = (*OrderStatusEventRepository)(nil)
