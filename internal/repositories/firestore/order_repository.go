package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/vendora/engine/internal/domain"
	pfirestore "github.com/vendora/engine/internal/platform/firestore"
	"github.com/vendora/engine/internal/repositories"
)

const (
	orderCollection = "orders"
)

// OrderRepository persists order aggregates within Firestore.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert stores a new order. It fails with a conflict when an order with the
// same id already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	doc := newOrderDocument(order)
	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the stored order with the supplied aggregate.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	doc := newOrderDocument(order)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// Transition overwrites the stored order only while its current status still
// equals expected. The re-read and comparison run inside the transaction, so
// two writers racing on the same edge cannot both commit; the loser fails
// with a conflict.
func (r *OrderRepository) Transition(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	doc := newOrderDocument(order)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var current orderDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		if current.Status != string(expected) {
			return status.Errorf(codes.FailedPrecondition,
				"order %s status is %s, expected %s", orderID, current.Status, expected)
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return pfirestore.WrapError("orders.transition", err)
	}
	return nil
}

// FindByID loads the order aggregate for the given id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByGatewayOrderID resolves the local order referenced by a gateway order id.
func (r *OrderRepository) FindByGatewayOrderID(ctx context.Context, provider string, gatewayOrderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	provider = strings.TrimSpace(strings.ToLower(provider))
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if provider == "" || gatewayOrderID == "" {
		return domain.Order{}, errors.New("order repository: provider and gateway order id are required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("payment.provider", "==", provider).
			Where("payment.gatewayOrderId", "==", gatewayOrderID).
			Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByGatewayOrderId", status.Errorf(codes.NotFound, "order for %s/%s not found", provider, gatewayOrderID))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns orders matching the filter in reverse chronological order.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)

	var cursor *timeCursor
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		cursor = decoded
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if buyer := strings.TrimSpace(filter.BuyerID); buyer != "" {
			query = query.Where("buyerId", "==", buyer)
		}
		if vendor := strings.TrimSpace(filter.VendorID); vendor != "" {
			query = query.Where("vendorId", "==", vendor)
		}
		if len(filter.Status) > 0 {
			query = query.Where("status", "in", filter.Status)
		}
		if filter.DateRange.From != nil {
			query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		query = query.
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor != nil {
			query = query.StartAfter(cursor.At, cursor.ID)
		}
		return query.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeTimeCursor(timeCursor{At: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Document structures --------------------------------------------------------

type orderDocument struct {
	OrderNumber  string              `firestore:"orderNumber"`
	BuyerID      string              `firestore:"buyerId"`
	VendorID     string              `firestore:"vendorId"`
	Currency     string              `firestore:"currency"`
	TotalAmount  int64               `firestore:"totalAmount"`
	Status       string              `firestore:"status"`
	Items        []orderItemDocument `firestore:"items"`
	Payment      paymentDocument     `firestore:"payment"`
	Contact      contactDocument     `firestore:"contact"`
	Locale       string              `firestore:"locale,omitempty"`
	Metadata     map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt    time.Time           `firestore:"createdAt"`
	UpdatedAt    time.Time           `firestore:"updatedAt"`
	PaidAt       *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt    *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt  *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt  *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundedAt   *time.Time          `firestore:"refundedAt,omitempty"`
	CancelReason string              `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	VariantID string         `firestore:"variantId"`
	ProductID string         `firestore:"productId,omitempty"`
	SKU       string         `firestore:"sku,omitempty"`
	Name      string         `firestore:"name,omitempty"`
	Quantity  int            `firestore:"qty"`
	UnitPrice int64          `firestore:"unitPrice"`
	Total     int64          `firestore:"total"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
}

type paymentDocument struct {
	Provider       string         `firestore:"provider,omitempty"`
	GatewayOrderID string         `firestore:"gatewayOrderId,omitempty"`
	CaptureID      string         `firestore:"captureId,omitempty"`
	Amount         int64          `firestore:"amount"`
	Currency       string         `firestore:"currency,omitempty"`
	Automatic      bool           `firestore:"automatic"`
	CapturedAt     *time.Time     `firestore:"capturedAt,omitempty"`
	RefundedAt     *time.Time     `firestore:"refundedAt,omitempty"`
	RefundedAmount int64          `firestore:"refundedAmount"`
	Raw            map[string]any `firestore:"raw,omitempty"`
}

type contactDocument struct {
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			VariantID: strings.TrimSpace(item.VariantID),
			ProductID: strings.TrimSpace(item.ProductID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
			Metadata:  cloneAnyMap(item.Metadata),
		}
	}

	doc := orderDocument{
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		BuyerID:     strings.TrimSpace(order.BuyerID),
		VendorID:    strings.TrimSpace(order.VendorID),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		TotalAmount: order.TotalAmount,
		Status:      string(order.Status),
		Items:       items,
		Payment: paymentDocument{
			Provider:       strings.ToLower(strings.TrimSpace(order.Payment.Provider)),
			Amount:         order.Payment.Amount,
			Currency:       strings.ToUpper(strings.TrimSpace(order.Payment.Currency)),
			Automatic:      order.Payment.Automatic,
			CapturedAt:     utcTimePtr(order.Payment.CapturedAt),
			RefundedAt:     utcTimePtr(order.Payment.RefundedAt),
			RefundedAmount: order.Payment.RefundedAmount,
			Raw:            cloneAnyMap(order.Payment.Raw),
		},
		Contact: contactDocument{
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		},
		Locale:      strings.TrimSpace(order.Locale),
		Metadata:    cloneAnyMap(order.Metadata),
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
		PaidAt:      utcTimePtr(order.PaidAt),
		ShippedAt:   utcTimePtr(order.ShippedAt),
		DeliveredAt: utcTimePtr(order.DeliveredAt),
		CancelledAt: utcTimePtr(order.CancelledAt),
		RefundedAt:  utcTimePtr(order.RefundedAt),
	}
	if order.Payment.GatewayOrderID != nil {
		doc.Payment.GatewayOrderID = strings.TrimSpace(*order.Payment.GatewayOrderID)
	}
	if order.Payment.CaptureID != nil {
		doc.Payment.CaptureID = strings.TrimSpace(*order.Payment.CaptureID)
	}
	if order.CancelReason != nil {
		doc.CancelReason = strings.TrimSpace(*order.CancelReason)
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			VariantID: item.VariantID,
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
			Metadata:  cloneAnyMap(item.Metadata),
		}
	}

	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		BuyerID:     d.BuyerID,
		VendorID:    d.VendorID,
		Currency:    d.Currency,
		TotalAmount: d.TotalAmount,
		Status:      domain.OrderStatus(d.Status),
		Items:       items,
		Payment: domain.Payment{
			Provider:       d.Payment.Provider,
			Amount:         d.Payment.Amount,
			Currency:       d.Payment.Currency,
			Automatic:      d.Payment.Automatic,
			CapturedAt:     d.Payment.CapturedAt,
			RefundedAt:     d.Payment.RefundedAt,
			RefundedAmount: d.Payment.RefundedAmount,
			Raw:            cloneAnyMap(d.Payment.Raw),
		},
		Contact: domain.OrderContact{
			Email: d.Contact.Email,
			Phone: d.Contact.Phone,
		},
		Locale:      d.Locale,
		Metadata:    cloneAnyMap(d.Metadata),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		PaidAt:      d.PaidAt,
		ShippedAt:   d.ShippedAt,
		DeliveredAt: d.DeliveredAt,
		CancelledAt: d.CancelledAt,
		RefundedAt:  d.RefundedAt,
	}
	if d.Payment.GatewayOrderID != "" {
		value := d.Payment.GatewayOrderID
		order.Payment.GatewayOrderID = &value
	}
	if d.Payment.CaptureID != "" {
		value := d.Payment.CaptureID
		order.Payment.CaptureID = &value
	}
	if d.CancelReason != "" {
		value := d.CancelReason
		order.CancelReason = &value
	}
	return order
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func utcTimePtr(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
