package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTickerFrame(t *testing.T) {
	frame := []byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "ticker.BTC-26SEP25-100000-C.100ms",
			"data": {
				"timestamp": 1756100000123,
				"instrument_name": "BTC-26SEP25-100000-C",
				"best_bid_price": 0.0415,
				"best_bid_amount": 10.5,
				"best_ask_price": 0.0425,
				"best_ask_amount": 7.0,
				"underlying_price": 64123.5,
				"mark_price": 0.042,
				"greeks": {"delta": 0.55, "gamma": 0.0001, "theta": -25.3, "vega": 110.2, "rho": 45.1},
				"bid_iv": 63.2,
				"ask_iv": 65.8,
				"mark_iv": 64.5,
				"open_interest": 1523.4,
				"last_price": 0.0418
			}
		}
	}`)

	events, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventQuote, events[0].Kind)

	quote := events[0].Quote
	assert.Equal(t, "BTC-26SEP25-100000-C", quote.Instrument)
	assert.Equal(t, time.UnixMilli(1756100000123).UTC(), quote.Timestamp)
	assert.Equal(t, 0.0415, *quote.BestBidPrice)
	assert.Equal(t, 0.0425, *quote.BestAskPrice)
	assert.Equal(t, 0.55, *quote.Delta)
	assert.Equal(t, 64.5, *quote.MarkIV)
	assert.Equal(t, 64.5, *quote.ImpliedVolatility)
}

func TestDecodeTickerMissingSideStaysNil(t *testing.T) {
	frame := []byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "ticker.BTC-26SEP25-100000-C.100ms",
			"data": {
				"timestamp": 1756100000123,
				"instrument_name": "BTC-26SEP25-100000-C",
				"best_ask_price": 0.0425,
				"index_price": 64100.0
			}
		}
	}`)

	events, err := Decode(frame)
	require.NoError(t, err)
	quote := events[0].Quote
	assert.Nil(t, quote.BestBidPrice)
	require.NotNil(t, quote.BestAskPrice)
	// no underlying_price: the index price stands in
	require.NotNil(t, quote.UnderlyingPrice)
	assert.Equal(t, 64100.0, *quote.UnderlyingPrice)
}

func TestDecodeCrossedQuoteRejected(t *testing.T) {
	frame := []byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "ticker.BTC-26SEP25-100000-C.100ms",
			"data": {
				"timestamp": 1756100000123,
				"instrument_name": "BTC-26SEP25-100000-C",
				"best_bid_price": 0.05,
				"best_ask_price": 0.04
			}
		}
	}`)

	events, err := Decode(frame)
	require.Error(t, err)
	assert.Empty(t, events)
}

func TestDecodeTradesFrameMultiple(t *testing.T) {
	frame := []byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "trades.BTC-26SEP25-100000-C.100ms",
			"data": [
				{"timestamp": 1756100000200, "instrument_name": "BTC-26SEP25-100000-C", "trade_id": "BTC-101", "price": 0.042, "amount": 2.0, "direction": "buy", "iv": 64.1},
				{"timestamp": 1756100000300, "instrument_name": "BTC-26SEP25-100000-C", "trade_id": "BTC-102", "price": 0.0419, "amount": 1.5, "direction": "sell"}
			]
		}
	}`)

	events, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "BTC-101", events[0].Trade.TradeID)
	assert.Equal(t, "BTC-102", events[1].Trade.TradeID)
	assert.Equal(t, "sell", events[1].Trade.Direction)
}

func TestDecodeTradesInvalidRowSkippedOthersDelivered(t *testing.T) {
	frame := []byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "trades.BTC-26SEP25-100000-C.100ms",
			"data": [
				{"timestamp": 1756100000200, "instrument_name": "BTC-26SEP25-100000-C", "trade_id": "BTC-101", "price": 0, "amount": 2.0, "direction": "buy"},
				{"timestamp": 1756100000300, "instrument_name": "BTC-26SEP25-100000-C", "trade_id": "BTC-102", "price": 0.0419, "amount": 1.5, "direction": "sell"}
			]
		}
	}`)

	events, err := Decode(frame)
	require.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BTC-102", events[0].Trade.TradeID)
}

func TestDecodeHeartbeatFrames(t *testing.T) {
	heartbeat := []byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"heartbeat"}}`)
	events, err := Decode(heartbeat)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventHeartbeat, events[0].Kind)

	testRequest := []byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`)
	events, err = Decode(testRequest)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTestRequest, events[0].Kind)
}

func TestDecodeSubscribeAck(t *testing.T) {
	frame := []byte(`{"jsonrpc":"2.0","id":7,"result":["ticker.BTC-26SEP25-100000-C.100ms","trades.BTC-26SEP25-100000-C.100ms"]}`)

	events, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventAck, events[0].Kind)
	assert.Equal(t, int64(7), events[0].RequestID)
	assert.Len(t, events[0].Channels, 2)
}

func TestDecodeErrorFrame(t *testing.T) {
	frame := []byte(`{"jsonrpc":"2.0","id":9,"error":{"code":10028,"message":"too_many_subscriptions"}}`)

	events, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, 10028, events[0].ErrCode)
	assert.Equal(t, "too_many_subscriptions", events[0].ErrMessage)
}

func TestDecodeGarbageFrame(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeUnknownChannel(t *testing.T) {
	frame := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC-PERPETUAL.100ms","data":{}}}`)
	_, err := Decode(frame)
	assert.Error(t, err)
}
