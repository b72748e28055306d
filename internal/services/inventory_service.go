package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/repositories"
)

const inventoryTransactionIDPrefix = "itx_"

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryNotFound indicates the variant stock record could not be located.
	ErrInventoryNotFound = errors.New("inventory: not found")
	// ErrInventoryConflict indicates concurrent writers collided on the same variant.
	ErrInventoryConflict = errors.New("inventory: conflict")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory   repositories.InventoryRepository
	Settings    repositories.VendorSettingsRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo     repositories.InventoryRepository
	settings repositories.VendorSettingsRepository
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
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

	return &inventoryService{
		repo:     deps.Inventory,
		settings: deps.Settings,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *inventoryService) RecordSale(ctx context.Context, cmd InventoryChangeCommand) (InventoryTransaction, error) {
	quantity, err := normaliseQuantity(cmd.Quantity)
	if err != nil {
		return InventoryTransaction{}, err
	}
	return s.apply(ctx, domain.InventoryTransaction{
		VariantID:     strings.TrimSpace(cmd.VariantID),
		Delta:         -quantity,
		Type:          domain.InventoryTransactionSale,
		Reason:        strings.TrimSpace(cmd.Reason),
		ReferenceType: strings.TrimSpace(cmd.ReferenceType),
		ReferenceID:   strings.TrimSpace(cmd.ReferenceID),
		ActorID:       strings.TrimSpace(cmd.ActorID),
	})
}

func (s *inventoryService) RecordRefund(ctx context.Context, cmd InventoryChangeCommand) (InventoryTransaction, error) {
	quantity, err := normaliseQuantity(cmd.Quantity)
	if err != nil {
		return InventoryTransaction{}, err
	}
	return s.apply(ctx, domain.InventoryTransaction{
		VariantID:     strings.TrimSpace(cmd.VariantID),
		Delta:         quantity,
		Type:          domain.InventoryTransactionRefund,
		Reason:        strings.TrimSpace(cmd.Reason),
		ReferenceType: strings.TrimSpace(cmd.ReferenceType),
		ReferenceID:   strings.TrimSpace(cmd.ReferenceID),
		ActorID:       strings.TrimSpace(cmd.ActorID),
	})
}

func (s *inventoryService) RecordAdjustment(ctx context.Context, cmd InventoryAdjustmentCommand) (InventoryTransaction, error) {
	if cmd.Delta == 0 {
		return InventoryTransaction{}, fmt.Errorf("%w: adjustment delta must be non-zero", ErrInventoryInvalidInput)
	}
	if strings.TrimSpace(cmd.Reason) == "" {
		return InventoryTransaction{}, fmt.Errorf("%w: adjustment reason is required", ErrInventoryInvalidInput)
	}
	return s.apply(ctx, domain.InventoryTransaction{
		VariantID:     strings.TrimSpace(cmd.VariantID),
		Delta:         cmd.Delta,
		Type:          domain.InventoryTransactionAdjustment,
		Reason:        strings.TrimSpace(cmd.Reason),
		ReferenceType: "manual",
		ActorID:       strings.TrimSpace(cmd.ActorID),
	})
}

func (s *inventoryService) GetStock(ctx context.Context, variantID string) (VariantStock, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return VariantStock{}, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	}

	stock, err := s.repo.GetStock(ctx, variantID)
	if err != nil {
		return VariantStock{}, s.mapRepositoryError(err)
	}
	return stock, nil
}

func (s *inventoryService) GetHistory(ctx context.Context, variantID string, filter InventoryHistoryFilter) (domain.CursorPage[InventoryTransaction], error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.CursorPage[InventoryTransaction]{}, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	}

	page, err := s.repo.ListTransactions(ctx, variantID, filter)
	if err != nil {
		return domain.CursorPage[InventoryTransaction]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) apply(ctx context.Context, txn domain.InventoryTransaction) (InventoryTransaction, error) {
	if txn.VariantID == "" {
		return InventoryTransaction{}, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	}

	now := s.now()
	txn.ID = inventoryTransactionIDPrefix + s.newID()
	txn.CreatedAt = now

	result, err := s.repo.ApplyDelta(ctx, repositories.InventoryDeltaRequest{
		Transaction:   txn,
		AllowNegative: s.allowNegative(ctx, txn.VariantID),
		Now:           now,
	})
	if err != nil {
		return InventoryTransaction{}, s.mapRepositoryError(err)
	}

	if result.Clamped {
		s.logger(ctx, "inventory.delta.clamped", map[string]any{
			"variant":   txn.VariantID,
			"type":      string(txn.Type),
			"delta":     txn.Delta,
			"shortfall": result.Shortfall,
		})
	}

	return result.Transaction, nil
}

// allowNegative resolves the vendor oversell policy for a variant. Unknown
// variants and missing settings fall back to the clamping default.
func (s *inventoryService) allowNegative(ctx context.Context, variantID string) bool {
	if s.settings == nil {
		return false
	}

	stock, err := s.repo.GetStock(ctx, variantID)
	if err != nil || stock.VendorID == "" {
		return false
	}

	settings, err := s.settings.Get(ctx, stock.VendorID)
	if err != nil {
		return false
	}
	return settings.AllowNegativeStock
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInventoryNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrInventoryConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("inventory: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *inventoryService) now() time.Time {
	return s.clock()
}

func normaliseQuantity(quantity int) (int, error) {
	if quantity == 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", ErrInventoryInvalidInput)
	}
	if quantity < 0 {
		quantity = -quantity
	}
	return quantity, nil
}
