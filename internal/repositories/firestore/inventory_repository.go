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
	inventoryLedgerCollection = "inventoryLedger"
	variantStockCollection    = "variantStocks"
)

// InventoryRepository owns the append-only stock ledger and the cached
// on-hand counters derived from it.
type InventoryRepository struct {
	provider *pfirestore.Provider
	ledger   *pfirestore.BaseRepository[ledgerDocument]
	stocks   *pfirestore.BaseRepository[variantStockDocument]
}

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	ledger := pfirestore.NewBaseRepository[ledgerDocument](provider, inventoryLedgerCollection, nil, nil)
	stocks := pfirestore.NewBaseRepository[variantStockDocument](provider, variantStockCollection, nil, nil)
	return &InventoryRepository{provider: provider, ledger: ledger, stocks: stocks}, nil
}

// ApplyDelta appends one ledger row and updates the cached on-hand counter in
// a single transaction. When the delta would push on-hand below zero and
// AllowNegative is false, the applied delta is clamped and the shortfall is
// recorded in the row's reason.
func (r *InventoryRepository) ApplyDelta(ctx context.Context, req repositories.InventoryDeltaRequest) (repositories.InventoryDeltaResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryDeltaResult{}, errors.New("inventory repository not initialised")
	}
	txn := req.Transaction
	txn.ID = strings.TrimSpace(txn.ID)
	txn.VariantID = strings.TrimSpace(txn.VariantID)
	if txn.ID == "" {
		return repositories.InventoryDeltaResult{}, errors.New("inventory apply delta: transaction id is required")
	}
	if txn.VariantID == "" {
		return repositories.InventoryDeltaResult{}, errors.New("inventory apply delta: variant id is required")
	}
	if txn.Delta == 0 {
		return repositories.InventoryDeltaResult{}, errors.New("inventory apply delta: delta must be non-zero")
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	} else {
		txn.CreatedAt = txn.CreatedAt.UTC()
	}

	var result repositories.InventoryDeltaResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stockRef, err := r.stocks.DocumentRef(ctx, txn.VariantID)
		if err != nil {
			return err
		}

		var stockDoc variantStockDocument
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			stockDoc = variantStockDocument{VariantID: txn.VariantID}
		} else if err := snap.DataTo(&stockDoc); err != nil {
			return fmt.Errorf("decode variant stock %s: %w", txn.VariantID, err)
		}

		next, applied, shortfall := stockAfterDelta(stockDoc.OnHand, txn.Delta, req.AllowNegative)
		if shortfall > 0 {
			result.Clamped = true
			result.Shortfall = shortfall
			txn.Delta = applied
			txn.Reason = appendShortfallNote(txn.Reason, shortfall)
		}

		stockDoc.VariantID = txn.VariantID
		stockDoc.OnHand = next
		stockDoc.UpdatedAt = now
		if err := tx.Set(stockRef, stockDoc); err != nil {
			return err
		}

		ledgerRef, err := r.ledger.DocumentRef(ctx, txn.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(ledgerRef, newLedgerDocument(txn)); err != nil {
			return err
		}

		result.Transaction = txn
		result.Stock = stockDoc.toDomain(txn.VariantID)
		return nil
	})
	if err != nil {
		return repositories.InventoryDeltaResult{}, pfirestore.WrapError("inventory.applyDelta", err)
	}
	return result, nil
}

// GetStock loads the cached on-hand counter for a variant.
func (r *InventoryRepository) GetStock(ctx context.Context, variantID string) (domain.VariantStock, error) {
	if r == nil || r.stocks == nil {
		return domain.VariantStock{}, errors.New("inventory repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.VariantStock{}, errors.New("inventory repository: variant id is required")
	}

	doc, err := r.stocks.Get(ctx, variantID)
	if err != nil {
		return domain.VariantStock{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListTransactions returns ledger rows for a variant, newest first.
func (r *InventoryRepository) ListTransactions(ctx context.Context, variantID string, filter repositories.InventoryHistoryFilter) (domain.CursorPage[domain.InventoryTransaction], error) {
	if r == nil || r.ledger == nil {
		return domain.CursorPage[domain.InventoryTransaction]{}, errors.New("inventory repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.CursorPage[domain.InventoryTransaction]{}, errors.New("inventory repository: variant id is required")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)

	var cursor *timeCursor
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.InventoryTransaction]{}, pfirestore.WrapError("inventory.history", err)
		}
		cursor = decoded
	}

	docs, err := r.ledger.Query(ctx, func(query firestore.Query) firestore.Query {
		query = query.Where("variantId", "==", variantID)
		if len(filter.Types) > 0 {
			types := make([]string, len(filter.Types))
			for i, t := range filter.Types {
				types[i] = string(t)
			}
			query = query.Where("type", "in", types)
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
		return domain.CursorPage[domain.InventoryTransaction]{}, err
	}

	rows := make([]domain.InventoryTransaction, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, doc.Data.toDomain(doc.ID))
	}

	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	var nextToken string
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		encoded, err := encodeTimeCursor(timeCursor{At: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.InventoryTransaction]{}, pfirestore.WrapError("inventory.history", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.InventoryTransaction]{
		Items:         rows,
		NextPageToken: nextToken,
	}, nil
}

// Document structures --------------------------------------------------------

type ledgerDocument struct {
	VariantID     string    `firestore:"variantId"`
	Delta         int       `firestore:"delta"`
	Type          string    `firestore:"type"`
	Reason        string    `firestore:"reason,omitempty"`
	ReferenceType string    `firestore:"referenceType,omitempty"`
	ReferenceID   string    `firestore:"referenceId,omitempty"`
	ActorID       string    `firestore:"actorId,omitempty"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

func newLedgerDocument(txn domain.InventoryTransaction) ledgerDocument {
	return ledgerDocument{
		VariantID:     strings.TrimSpace(txn.VariantID),
		Delta:         txn.Delta,
		Type:          string(txn.Type),
		Reason:        strings.TrimSpace(txn.Reason),
		ReferenceType: strings.TrimSpace(txn.ReferenceType),
		ReferenceID:   strings.TrimSpace(txn.ReferenceID),
		ActorID:       strings.TrimSpace(txn.ActorID),
		CreatedAt:     txn.CreatedAt.UTC(),
	}
}

func (d ledgerDocument) toDomain(id string) domain.InventoryTransaction {
	return domain.InventoryTransaction{
		ID:            id,
		VariantID:     d.VariantID,
		Delta:         d.Delta,
		Type:          domain.InventoryTransactionType(d.Type),
		Reason:        d.Reason,
		ReferenceType: d.ReferenceType,
		ReferenceID:   d.ReferenceID,
		ActorID:       d.ActorID,
		CreatedAt:     d.CreatedAt,
	}
}

type variantStockDocument struct {
	VariantID string    `firestore:"variantId"`
	VendorID  string    `firestore:"vendorId,omitempty"`
	OnHand    int       `firestore:"onHand"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d variantStockDocument) toDomain(id string) domain.VariantStock {
	return domain.VariantStock{
		VariantID: id,
		VendorID:  strings.TrimSpace(d.VendorID),
		OnHand:    d.OnHand,
		UpdatedAt: d.UpdatedAt,
	}
}

// stockAfterDelta applies a signed delta to an on-hand counter. Without
// allowNegative the counter floors at zero: the applied delta is cut to what
// the stock can absorb and the remainder is reported as shortfall.
func stockAfterDelta(onHand, delta int, allowNegative bool) (next, applied, shortfall int) {
	next = onHand + delta
	applied = delta
	if next < 0 && !allowNegative {
		shortfall = -next
		applied = -onHand
		next = 0
	}
	return next, applied, shortfall
}

func appendShortfallNote(reason string, shortfall int) string {
	note := fmt.Sprintf("shortfall %d", shortfall)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return note
	}
	return fmt.Sprintf("%s (%s)", reason, note)
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)
