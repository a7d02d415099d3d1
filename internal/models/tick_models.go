// Package models contains the persistence models for the collector
package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// PerpetualsTablePrefix is the table prefix for perpetual futures data
const PerpetualsTablePrefix = "perpetuals"

// QuotesTableName returns the quotes table for a currency
func QuotesTableName(currency string) string {
	return strings.ToLower(currency) + "_option_quotes"
}

// TradesTableName returns the trades table for a currency
func TradesTableName(currency string) string {
	return strings.ToLower(currency) + "_option_trades"
}

// DepthTableName returns the orderbook depth table for a currency
func DepthTableName(currency string) string {
	return strings.ToLower(currency) + "_option_orderbook_depth"
}

// QuoteTick represents one best bid/ask observation
type QuoteTick struct {
	Timestamp         time.Time `json:"timestamp"`
	Instrument        string    `json:"instrument"`
	BestBidPrice      *float64  `json:"best_bid_price"`
	BestBidAmount     *float64  `json:"best_bid_amount"`
	BestAskPrice      *float64  `json:"best_ask_price"`
	BestAskAmount     *float64  `json:"best_ask_amount"`
	UnderlyingPrice   *float64  `json:"underlying_price"`
	MarkPrice         *float64  `json:"mark_price"`
	Delta             *float64  `json:"delta"`
	Gamma             *float64  `json:"gamma"`
	Theta             *float64  `json:"theta"`
	Vega              *float64  `json:"vega"`
	Rho               *float64  `json:"rho"`
	ImpliedVolatility *float64  `json:"implied_volatility"`
	BidIV             *float64  `gorm:"column:bid_iv" json:"bid_iv"`
	AskIV             *float64  `gorm:"column:ask_iv" json:"ask_iv"`
	MarkIV            *float64  `gorm:"column:mark_iv" json:"mark_iv"`
	OpenInterest      *float64  `json:"open_interest"`
	LastPrice         *float64  `json:"last_price"`
}

// Validate checks the quote invariants
func (q *QuoteTick) Validate() error {
	if q.Instrument == "" {
		return fmt.Errorf("quote has no instrument")
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("quote for %s has no timestamp", q.Instrument)
	}
	if q.BestBidPrice != nil && q.BestAskPrice != nil && *q.BestBidPrice > *q.BestAskPrice {
		return fmt.Errorf("quote for %s has bid %f above ask %f", q.Instrument, *q.BestBidPrice, *q.BestAskPrice)
	}
	if q.BestBidAmount != nil && *q.BestBidAmount < 0 {
		return fmt.Errorf("quote for %s has negative bid amount", q.Instrument)
	}
	if q.BestAskAmount != nil && *q.BestAskAmount < 0 {
		return fmt.Errorf("quote for %s has negative ask amount", q.Instrument)
	}
	return nil
}

// TradeTick represents one executed trade
type TradeTick struct {
	Timestamp  time.Time `json:"timestamp"`
	Instrument string    `json:"instrument"`
	TradeID    string    `gorm:"column:trade_id" json:"trade_id"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Direction  string    `json:"direction"`
	IV         *float64  `gorm:"column:iv" json:"iv"`
	IndexPrice *float64  `json:"index_price"`
}

// Validate checks the trade invariants
func (t *TradeTick) Validate() error {
	if t.Instrument == "" {
		return fmt.Errorf("trade has no instrument")
	}
	if t.TradeID == "" {
		return fmt.Errorf("trade for %s has no trade_id", t.Instrument)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("trade %s has no timestamp", t.TradeID)
	}
	if t.Price <= 0 {
		return fmt.Errorf("trade %s has non-positive price %f", t.TradeID, t.Price)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("trade %s has non-positive amount %f", t.TradeID, t.Amount)
	}
	if t.Direction != "buy" && t.Direction != "sell" {
		return fmt.Errorf("trade %s has unknown direction %q", t.TradeID, t.Direction)
	}
	return nil
}

// DepthSnapshot represents one full orderbook snapshot
type DepthSnapshot struct {
	Timestamp       time.Time      `json:"timestamp"`
	Instrument      string         `json:"instrument"`
	Bids            datatypes.JSON `json:"bids"`
	Asks            datatypes.JSON `json:"asks"`
	MarkPrice       *float64       `json:"mark_price"`
	UnderlyingPrice *float64       `json:"underlying_price"`
	OpenInterest    *float64       `json:"open_interest"`
	Volume24h       *float64       `gorm:"column:volume_24h" json:"volume_24h"`
}
