// Package repository contains the repository layer for the collector
package repository

import (
	"time"

	"github.com/deltaquant/optioncollector/internal/models"

	"gorm.io/gorm"
)

// LifecycleRepository appends lifecycle audit events
type LifecycleRepository struct {
	DB *gorm.DB
}

// NewLifecycleRepository creates a new LifecycleRepository
func NewLifecycleRepository(db *gorm.DB) *LifecycleRepository {
	return &LifecycleRepository{DB: db}
}

// InsertEvent appends one lifecycle event
func (r *LifecycleRepository) InsertEvent(event models.LifecycleEvent) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	return r.DB.Create(&event).Error
}

// RecentEvents returns the most recent lifecycle events for a currency
func (r *LifecycleRepository) RecentEvents(currency string, limit int) ([]models.LifecycleEvent, error) {
	var events []models.LifecycleEvent
	err := r.DB.Where("currency = ?", currency).
		Order("event_time DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
