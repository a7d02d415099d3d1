package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func f(v float64) *float64 { return &v }

func TestTableNamesFollowCurrency(t *testing.T) {
	assert.Equal(t, "btc_option_quotes", QuotesTableName("BTC"))
	assert.Equal(t, "eth_option_trades", TradesTableName("ETH"))
	assert.Equal(t, "btc_option_orderbook_depth", DepthTableName("btc"))
}

func TestQuoteValidate(t *testing.T) {
	valid := QuoteTick{
		Timestamp:    time.Now(),
		Instrument:   "BTC-26SEP25-100000-C",
		BestBidPrice: f(0.041),
		BestAskPrice: f(0.042),
	}
	assert.NoError(t, valid.Validate())

	crossed := valid
	crossed.BestBidPrice = f(0.05)
	assert.Error(t, crossed.Validate())

	oneSided := valid
	oneSided.BestBidPrice = nil
	assert.NoError(t, oneSided.Validate(), "one-sided books are legitimate for deep OTM strikes")

	negativeAmount := valid
	negativeAmount.BestBidAmount = f(-1)
	assert.Error(t, negativeAmount.Validate())

	noInstrument := valid
	noInstrument.Instrument = ""
	assert.Error(t, noInstrument.Validate())
}

func TestTradeValidate(t *testing.T) {
	valid := TradeTick{
		Timestamp:  time.Now(),
		Instrument: "BTC-26SEP25-100000-C",
		TradeID:    "BTC-101",
		Price:      0.042,
		Amount:     1.5,
		Direction:  "buy",
	}
	assert.NoError(t, valid.Validate())

	zeroPrice := valid
	zeroPrice.Price = 0
	assert.Error(t, zeroPrice.Validate())

	noID := valid
	noID.TradeID = ""
	assert.Error(t, noID.Validate())

	badDirection := valid
	badDirection.Direction = "flat"
	assert.Error(t, badDirection.Validate())
}
