// Package models contains the persistence models for the collector
package models

import "time"

// InstrumentMetadataTableName is the name of the instrument metadata table
var InstrumentMetadataTableName = "instrument_metadata"

// InstrumentMetadata represents one tracked instrument
type InstrumentMetadata struct {
	InstrumentName string     `gorm:"primaryKey;column:instrument_name" json:"instrument_name"`
	Currency       string     `gorm:"index" json:"currency"`
	InstrumentType string     `json:"instrument_type"`
	StrikePrice    *float64   `json:"strike_price"`
	ExpiryDate     *time.Time `json:"expiry_date"`
	OptionType     string     `json:"option_type"`
	IsActive       bool       `gorm:"index" json:"is_active"`
	ListedAt       time.Time  `json:"listed_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	ExpiredAt      *time.Time `json:"expired_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the InstrumentMetadata model
func (InstrumentMetadata) TableName() string {
	return InstrumentMetadataTableName
}
