// Package models contains the persistence models for the collector
package models

import (
	"time"

	"gorm.io/datatypes"
)

// LifecycleEventsTableName is the name of the lifecycle events table
var LifecycleEventsTableName = "lifecycle_events"

// DeadLetterTableName is the name of the dead letter table
var DeadLetterTableName = "dead_letter_rows"

// Lifecycle event types
const (
	EventSubscriptionAdded   = "subscription_added"
	EventSubscriptionRemoved = "subscription_removed"
	EventInstrumentExpired   = "instrument_expired"
	EventInstrumentListed    = "instrument_listed"
	EventRebalanceTriggered  = "rebalance_triggered"
)

// LifecycleEvent represents one audit record of a subscription or expiry action
type LifecycleEvent struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	EventTime      time.Time      `gorm:"index" json:"event_time"`
	EventType      string         `gorm:"index" json:"event_type"`
	InstrumentName string         `json:"instrument_name"`
	Currency       string         `json:"currency"`
	CollectorID    string         `json:"collector_id"`
	Details        datatypes.JSON `json:"details"`
	Success        bool           `json:"success"`
	ErrorMessage   string         `json:"error_message"`
}

// TableName specifies the table name for the LifecycleEvent model
func (LifecycleEvent) TableName() string {
	return LifecycleEventsTableName
}

// DeadLetterRow represents one row rejected by the store with a permanent error
type DeadLetterRow struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Kind      string         `json:"kind"`
	Payload   datatypes.JSON `json:"payload"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
}

// TableName specifies the table name for the DeadLetterRow model
func (DeadLetterRow) TableName() string {
	return DeadLetterTableName
}
