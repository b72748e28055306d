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
	gatewayEventCollection = "gatewayEvents"
)

// GatewayEventRepository stores webhook delivery records keyed by provider
// and the gateway-assigned event id. The deterministic document id makes
// duplicate deliveries fail on create, which is what the ingestion path
// relies on for deduplication.
type GatewayEventRepository struct {
	base *pfirestore.BaseRepository[gatewayEventDocument]
}

// NewGatewayEventRepository constructs a Firestore-backed gateway event repository.
func NewGatewayEventRepository(provider *pfirestore.Provider) (*GatewayEventRepository, error) {
	if provider == nil {
		return nil, errors.New("gateway event repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[gatewayEventDocument](provider, gatewayEventCollection, nil, nil)
	return &GatewayEventRepository{base: base}, nil
}

// Create records a webhook delivery. It fails with a conflict when a record
// for the same provider and event id already exists.
func (r *GatewayEventRepository) Create(ctx context.Context, record domain.GatewayEventRecord) error {
	if r == nil || r.base == nil {
		return errors.New("gateway event repository not initialised")
	}
	docID, err := gatewayEventDocumentID(record.Provider, record.EventID)
	if err != nil {
		return err
	}

	doc := gatewayEventDocument{
		RecordID:    strings.TrimSpace(record.ID),
		Provider:    strings.ToLower(strings.TrimSpace(record.Provider)),
		EventID:     strings.TrimSpace(record.EventID),
		EventType:   strings.TrimSpace(record.EventType),
		OrderID:     strings.TrimSpace(record.OrderID),
		ReceivedAt:  record.ReceivedAt.UTC(),
		ProcessedAt: utcTimePtr(record.ProcessedAt),
	}

	ref, err := r.base.DocumentRef(ctx, docID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("gatewayEvents.create", err)
	}
	return nil
}

// MarkProcessed stamps the record once dispatch has completed.
func (r *GatewayEventRepository) MarkProcessed(ctx context.Context, provider string, eventID string, processedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("gateway event repository not initialised")
	}
	docID, err := gatewayEventDocumentID(provider, eventID)
	if err != nil {
		return err
	}

	_, err = r.base.Update(ctx, docID, []firestore.Update{
		{Path: "processedAt", Value: processedAt.UTC()},
	})
	return err
}

// Find loads the delivery record for a provider and event id.
func (r *GatewayEventRepository) Find(ctx context.Context, provider string, eventID string) (domain.GatewayEventRecord, error) {
	if r == nil || r.base == nil {
		return domain.GatewayEventRecord{}, errors.New("gateway event repository not initialised")
	}
	docID, err := gatewayEventDocumentID(provider, eventID)
	if err != nil {
		return domain.GatewayEventRecord{}, err
	}

	doc, err := r.base.Get(ctx, docID)
	if err != nil {
		return domain.GatewayEventRecord{}, err
	}
	return doc.Data.toDomain(), nil
}

func gatewayEventDocumentID(provider string, eventID string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return "", errors.New("gateway event repository: provider and event id are required")
	}
	// Firestore document ids must not contain forward slashes.
	eventID = strings.ReplaceAll(eventID, "/", "_")
	return provider + "_" + eventID, nil
}

type gatewayEventDocument struct {
	RecordID    string     `firestore:"recordId"`
	Provider    string     `firestore:"provider"`
	EventID     string     `firestore:"eventId"`
	EventType   string     `firestore:"eventType,omitempty"`
	OrderID     string     `firestore:"orderId,omitempty"`
	ReceivedAt  time.Time  `firestore:"receivedAt"`
	ProcessedAt *time.Time `firestore:"processedAt,omitempty"`
}

func (d gatewayEventDocument) toDomain() domain.GatewayEventRecord {
	return domain.GatewayEventRecord{
		ID:          d.RecordID,
		Provider:    d.Provider,
		EventID:     d.EventID,
		EventType:   d.EventType,
		OrderID:     d.OrderID,
		ReceivedAt:  d.ReceivedAt,
		ProcessedAt: d.ProcessedAt,
	}
}

var _ repositories.GatewayEventRepository = (*GatewayEventRepository)(nil)
