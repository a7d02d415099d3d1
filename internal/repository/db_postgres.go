// Package repository contains the repository layer for the collector
package repository

import (
	"fmt"

	"github.com/deltaquant/optioncollector/internal/config"
	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectPostgres connects to Postgres and returns a GORM database object
func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	zaplogger.Info(config.SingleLine)
	zaplogger.Info("Initializing Postgres")
	zaplogger.Info(config.SingleLine)

	// Set up GORM logger
	var logLevel logger.LogLevel
	switch cfg.PostgresLogLevel {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	// Open database connection
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %v", err)
	}

	zaplogger.Info("  * connected")

	// AutoMigrate will create tables and add/modify columns
	if err := autoMigrate(db, cfg.Currency); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %v", err)
	}

	// Tick tables take the full stream write load and are rebuildable
	// from the exchange, so WAL is skipped for them.
	if err := setTickTablesAsUnlogged(db, cfg.Currency); err != nil {
		return nil, err
	}
	zaplogger.Info("  * tick tables set as unlogged")

	if err := createLifecycleNotifyTrigger(db); err != nil {
		return nil, err
	}
	zaplogger.Info("  * lifecycle notify trigger installed")

	return db, nil
}

// tickTableNames returns the tick/depth tables for a currency plus the
// perpetuals tables, paired with their model type.
func tickTableNames(currency string) []struct {
	name  string
	model interface{}
} {
	return []struct {
		name  string
		model interface{}
	}{
		{models.QuotesTableName(currency), &models.QuoteTick{}},
		{models.TradesTableName(currency), &models.TradeTick{}},
		{models.DepthTableName(currency), &models.DepthSnapshot{}},
		{models.PerpetualsTablePrefix + "_quotes", &models.QuoteTick{}},
		{models.PerpetualsTablePrefix + "_trades", &models.TradeTick{}},
		{models.PerpetualsTablePrefix + "_depth", &models.DepthSnapshot{}},
	}
}

func autoMigrate(db *gorm.DB, currency string) error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{models.InstrumentMetadataTableName, &models.InstrumentMetadata{}},
		{models.LifecycleEventsTableName, &models.LifecycleEvent{}},
		{models.DeadLetterTableName, &models.DeadLetterRow{}},
	}
	tables = append(tables, tickTableNames(currency)...)

	zaplogger.Info("  * migrating tables")
	for _, table := range tables {
		err := db.Table(table.name).AutoMigrate(table.model)
		if err != nil {
			return fmt.Errorf("failed to auto migrate table: %s, err:%v", table.name, err)
		}
		zaplogger.Info("    - \"" + table.name + "\"")
	}

	if err := createTickIndexes(db, currency); err != nil {
		return err
	}
	zaplogger.Info("  * tick indexes created")

	return nil
}

// createTickIndexes creates the uniqueness constraints the batch writer
// upserts against, plus the (instrument, timestamp DESC) read index.
func createTickIndexes(db *gorm.DB, currency string) error {
	statements := []string{}
	for _, table := range tickTableNames(currency) {
		switch table.model.(type) {
		case *models.QuoteTick, *models.DepthSnapshot:
			statements = append(statements, fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS uq_%s_ts_instrument ON %s (timestamp, instrument)",
				table.name, table.name))
		case *models.TradeTick:
			statements = append(statements, fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS uq_%s_ts_trade_instrument ON %s (timestamp, trade_id, instrument)",
				table.name, table.name))
		}
		statements = append(statements, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_instrument_ts ON %s (instrument, timestamp DESC)",
			table.name, table.name))
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}
	return nil
}

func setTickTablesAsUnlogged(db *gorm.DB, currency string) error {
	for _, table := range tickTableNames(currency) {
		if err := db.Exec("ALTER TABLE " + table.name + " SET UNLOGGED").Error; err != nil {
			return fmt.Errorf("failed to set table %s as unlogged: %v", table.name, err)
		}
	}
	return nil
}

// createLifecycleNotifyTrigger installs a NOTIFY trigger on lifecycle_events
// so the publish service can fan events out to Redis.
func createLifecycleNotifyTrigger(db *gorm.DB) error {
	function := `
CREATE OR REPLACE FUNCTION notify_lifecycle_event() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('lifecycle_events', row_to_json(NEW)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`

	if err := db.Exec(function).Error; err != nil {
		return fmt.Errorf("failed to create notify function: %v", err)
	}
	if err := db.Exec("DROP TRIGGER IF EXISTS lifecycle_events_notify ON " + models.LifecycleEventsTableName).Error; err != nil {
		return fmt.Errorf("failed to drop notify trigger: %v", err)
	}
	trigger := "CREATE TRIGGER lifecycle_events_notify AFTER INSERT ON " +
		models.LifecycleEventsTableName + " FOR EACH ROW EXECUTE FUNCTION notify_lifecycle_event()"
	if err := db.Exec(trigger).Error; err != nil {
		return fmt.Errorf("failed to create notify trigger: %v", err)
	}
	return nil
}
