package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/vendora/engine/internal/domain"
	pfirestore "github.com/vendora/engine/internal/platform/firestore"
	"github.com/vendora/engine/internal/repositories"
)

const (
	vendorSettingsCollection = "vendorSettings"
)

// VendorSettingsRepository stores per-vendor policies keyed by vendor id.
type VendorSettingsRepository struct {
	base *pfirestore.BaseRepository[vendorSettingsDocument]
}

// NewVendorSettingsRepository constructs a Firestore-backed vendor settings repository.
func NewVendorSettingsRepository(provider *pfirestore.Provider) (*VendorSettingsRepository, error) {
	if provider == nil {
		return nil, errors.New("vendor settings repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[vendorSettingsDocument](provider, vendorSettingsCollection, nil, nil)
	return &VendorSettingsRepository{base: base}, nil
}

// Get loads the settings for a vendor.
func (r *VendorSettingsRepository) Get(ctx context.Context, vendorID string) (domain.VendorSettings, error) {
	if r == nil || r.base == nil {
		return domain.VendorSettings{}, errors.New("vendor settings repository not initialised")
	}
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return domain.VendorSettings{}, errors.New("vendor settings repository: vendor id is required")
	}

	doc, err := r.base.Get(ctx, vendorID)
	if err != nil {
		return domain.VendorSettings{}, err
	}
	return domain.VendorSettings{
		VendorID:           doc.ID,
		AllowNegativeStock: doc.Data.AllowNegativeStock,
		UpdatedAt:          doc.Data.UpdatedAt,
	}, nil
}

// Upsert stores the vendor settings.
func (r *VendorSettingsRepository) Upsert(ctx context.Context, settings domain.VendorSettings) error {
	if r == nil || r.base == nil {
		return errors.New("vendor settings repository not initialised")
	}
	vendorID := strings.TrimSpace(settings.VendorID)
	if vendorID == "" {
		return errors.New("vendor settings repository: vendor id is required")
	}

	updatedAt := settings.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.base.Set(ctx, vendorID, vendorSettingsDocument{
		AllowNegativeStock: settings.AllowNegativeStock,
		UpdatedAt:          updatedAt,
	})
	return err
}

type vendorSettingsDocument struct {
	AllowNegativeStock bool      `firestore:"allowNegativeStock"`
	UpdatedAt          time.Time `firestore:"updatedAt"`
}

var _ repositories.VendorSettingsRepository = (*VendorSettingsRepository)(nil)
