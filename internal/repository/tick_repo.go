// Package repository contains the repository layer for the collector
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/jackc/pgx/v5/pgconn"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 1000

// quoteValueColumns are the quote columns replaced on conflict.
var quoteValueColumns = []string{
	"best_bid_price", "best_bid_amount", "best_ask_price", "best_ask_amount",
	"underlying_price", "mark_price", "delta", "gamma", "theta", "vega", "rho",
	"implied_volatility", "bid_iv", "ask_iv", "mark_iv", "open_interest", "last_price",
}

// depthValueColumns are the depth columns replaced on conflict.
var depthValueColumns = []string{
	"bids", "asks", "mark_price", "underlying_price", "open_interest", "volume_24h",
}

// TickRepository persists quote, trade and depth batches
type TickRepository struct {
	DB       *gorm.DB
	currency string
}

// NewTickRepository creates a new TickRepository for a currency
func NewTickRepository(db *gorm.DB, currency string) *TickRepository {
	return &TickRepository{DB: db, currency: currency}
}

// IsPerpetual reports whether an instrument name is a perpetual future
func IsPerpetual(instrument string) bool {
	return strings.HasSuffix(instrument, "-PERPETUAL")
}

// InsertQuoteBatch upserts a batch of quotes in one transaction per table.
// Re-observations at the same (timestamp, instrument) replace only the
// non-null incoming columns.
func (r *TickRepository) InsertQuoteBatch(ctx context.Context, quotes []models.QuoteTick) error {
	if len(quotes) == 0 {
		return nil
	}

	// Deduplicate on the conflict key; ON CONFLICT cannot touch the same
	// row twice within one statement.
	deduplicated := make(map[string]models.QuoteTick, len(quotes))
	for _, q := range quotes {
		deduplicated[q.Instrument+q.Timestamp.String()] = q
	}

	optionRows := make([]models.QuoteTick, 0, len(deduplicated))
	perpRows := make([]models.QuoteTick, 0)
	for _, q := range deduplicated {
		if IsPerpetual(q.Instrument) {
			perpRows = append(perpRows, q)
		} else {
			optionRows = append(optionRows, q)
		}
	}

	if err := r.upsertQuotes(ctx, models.QuotesTableName(r.currency), optionRows); err != nil {
		return err
	}
	return r.upsertQuotes(ctx, models.PerpetualsTablePrefix+"_quotes", perpRows)
}

func (r *TickRepository) upsertQuotes(ctx context.Context, table string, rows []models.QuoteTick) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(table).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "timestamp"}, {Name: "instrument"}},
			DoUpdates: coalesceAssignments(table, quoteValueColumns),
		}).CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return classifyStoreError(fmt.Sprintf("upsert %d quotes into %s", len(rows), table), err)
	}
	return nil
}

// InsertTradeBatch inserts a batch of trades, ignoring replays of rows the
// store already holds.
func (r *TickRepository) InsertTradeBatch(ctx context.Context, trades []models.TradeTick) error {
	if len(trades) == 0 {
		return nil
	}

	deduplicated := make(map[string]models.TradeTick, len(trades))
	for _, t := range trades {
		deduplicated[t.TradeID+t.Instrument+t.Timestamp.String()] = t
	}

	optionRows := make([]models.TradeTick, 0, len(deduplicated))
	perpRows := make([]models.TradeTick, 0)
	for _, t := range deduplicated {
		if IsPerpetual(t.Instrument) {
			perpRows = append(perpRows, t)
		} else {
			optionRows = append(optionRows, t)
		}
	}

	if err := r.insertTrades(ctx, models.TradesTableName(r.currency), optionRows); err != nil {
		return err
	}
	return r.insertTrades(ctx, models.PerpetualsTablePrefix+"_trades", perpRows)
}

func (r *TickRepository) insertTrades(ctx context.Context, table string, rows []models.TradeTick) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(table).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "timestamp"}, {Name: "trade_id"}, {Name: "instrument"}},
			DoNothing: true,
		}).CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return classifyStoreError(fmt.Sprintf("insert %d trades into %s", len(rows), table), err)
	}
	return nil
}

// InsertDepthBatch upserts a batch of depth snapshots
func (r *TickRepository) InsertDepthBatch(ctx context.Context, snapshots []models.DepthSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	deduplicated := make(map[string]models.DepthSnapshot, len(snapshots))
	for _, d := range snapshots {
		deduplicated[d.Instrument+d.Timestamp.String()] = d
	}

	optionRows := make([]models.DepthSnapshot, 0, len(deduplicated))
	perpRows := make([]models.DepthSnapshot, 0)
	for _, d := range deduplicated {
		if IsPerpetual(d.Instrument) {
			perpRows = append(perpRows, d)
		} else {
			optionRows = append(optionRows, d)
		}
	}

	if err := r.upsertDepth(ctx, models.DepthTableName(r.currency), optionRows); err != nil {
		return err
	}
	return r.upsertDepth(ctx, models.PerpetualsTablePrefix+"_depth", perpRows)
}

func (r *TickRepository) upsertDepth(ctx context.Context, table string, rows []models.DepthSnapshot) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(table).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "timestamp"}, {Name: "instrument"}},
			DoUpdates: clause.AssignmentColumns(depthValueColumns),
		}).CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return classifyStoreError(fmt.Sprintf("upsert %d depth snapshots into %s", len(rows), table), err)
	}
	return nil
}

// InsertDeadLetters records rows rejected with permanent errors
func (r *TickRepository) InsertDeadLetters(ctx context.Context, rows []models.DeadLetterRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).Create(&rows).Error
}

// coalesceAssignments builds DO UPDATE SET assignments that keep the stored
// value when the incoming column is null, matching partial re-observations.
func coalesceAssignments(table string, columns []string) clause.Set {
	assignments := make(clause.Set, 0, len(columns))
	for _, col := range columns {
		assignments = append(assignments, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr(fmt.Sprintf("COALESCE(EXCLUDED.%s, %s.%s)", col, table, col)),
		})
	}
	return assignments
}

// classifyStoreError maps a store failure onto the transient/permanent
// taxonomy using the SQLSTATE class when one is available.
func classifyStoreError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return errs.Permanent(op, err)
		case strings.HasPrefix(pgErr.Code, "22"): // data exception
			return errs.Permanent(op, err)
		case strings.HasPrefix(pgErr.Code, "42"): // syntax or access rule violation
			return errs.Permanent(op, err)
		default:
			// connection failures (08), serialization (40), shutdown (57),
			// resource limits (53) all clear on retry
			return errs.Transient(op, err)
		}
	}
	// context deadlines, driver-level resets
	return errs.Transient(op, err)
}
