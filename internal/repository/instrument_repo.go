// Package repository contains the repository layer for the collector
package repository

import (
	"fmt"
	"time"

	"github.com/deltaquant/optioncollector/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InstrumentRepository manages instrument metadata rows
type InstrumentRepository struct {
	DB *gorm.DB
}

// NewInstrumentRepository creates a new InstrumentRepository
func NewInstrumentRepository(db *gorm.DB) *InstrumentRepository {
	return &InstrumentRepository{DB: db}
}

// GetActive returns the active instruments for a currency
func (r *InstrumentRepository) GetActive(currency string) ([]models.InstrumentMetadata, error) {
	var instruments []models.InstrumentMetadata
	err := r.DB.Where("is_active = ? AND currency = ?", true, currency).Find(&instruments).Error
	return instruments, err
}

// UpsertListed upserts newly listed instruments, reactivating any that were
// previously marked expired.
func (r *InstrumentRepository) UpsertListed(instruments []models.InstrumentMetadata) (int64, error) {
	var upsertedCount int64

	err := r.DB.Transaction(func(tx *gorm.DB) error {
		for _, instrument := range instruments {
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "instrument_name"}},
				DoUpdates: clause.AssignmentColumns([]string{"is_active", "last_seen_at", "expired_at", "updated_at"}),
			}).Create(&instrument)

			if result.Error != nil {
				return fmt.Errorf("error upserting instrument %s: %v", instrument.InstrumentName, result.Error)
			}
			upsertedCount += result.RowsAffected
		}
		return nil
	})

	return upsertedCount, err
}

// MarkExpired sets is_active=false and stamps expired_at for an instrument.
// Historical tick rows are never touched.
func (r *InstrumentRepository) MarkExpired(instrumentName string, expiredAt time.Time) error {
	return r.DB.Model(&models.InstrumentMetadata{}).
		Where("instrument_name = ?", instrumentName).
		Updates(map[string]interface{}{
			"is_active":  false,
			"expired_at": expiredAt,
		}).Error
}

// TouchLastSeen updates last_seen_at for all named instruments
func (r *InstrumentRepository) TouchLastSeen(instrumentNames []string, seenAt time.Time) (int64, error) {
	if len(instrumentNames) == 0 {
		return 0, nil
	}
	result := r.DB.Model(&models.InstrumentMetadata{}).
		Where("instrument_name IN ?", instrumentNames).
		Update("last_seen_at", seenAt)
	return result.RowsAffected, result.Error
}

// KnownNames returns which of the given instruments already have a
// metadata row.
func (r *InstrumentRepository) KnownNames(instrumentNames []string) (map[string]struct{}, error) {
	known := make(map[string]struct{}, len(instrumentNames))
	if len(instrumentNames) == 0 {
		return known, nil
	}
	var names []string
	err := r.DB.Model(&models.InstrumentMetadata{}).
		Where("instrument_name IN ?", instrumentNames).
		Pluck("instrument_name", &names).Error
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		known[name] = struct{}{}
	}
	return known, nil
}
