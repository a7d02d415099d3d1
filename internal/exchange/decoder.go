// Package exchange contains the Deribit catalog client, frame decoder and
// websocket session.
package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/goccy/go-json"
)

// EventKind tags a decoded stream event
type EventKind string

const (
	EventQuote       EventKind = "quote"
	EventTrade       EventKind = "trade"
	EventHeartbeat   EventKind = "heartbeat"
	EventTestRequest EventKind = "test_request"
	EventAck         EventKind = "ack"
	EventError       EventKind = "error"
)

// Event is one decoded stream frame element
type Event struct {
	Kind       EventKind
	Quote      *models.QuoteTick
	Trade      *models.TradeTick
	RequestID  int64
	Channels   []string
	ErrCode    int
	ErrMessage string
}

// frameEnvelope is the JSON-RPC websocket frame shape
type frameEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// tickerData is the ticker channel payload
type tickerData struct {
	Timestamp       int64    `json:"timestamp"`
	InstrumentName  string   `json:"instrument_name"`
	BestBidPrice    *float64 `json:"best_bid_price"`
	BestBidAmount   *float64 `json:"best_bid_amount"`
	BestAskPrice    *float64 `json:"best_ask_price"`
	BestAskAmount   *float64 `json:"best_ask_amount"`
	UnderlyingPrice *float64 `json:"underlying_price"`
	IndexPrice      *float64 `json:"index_price"`
	MarkPrice       *float64 `json:"mark_price"`
	Greeks          *struct {
		Delta *float64 `json:"delta"`
		Gamma *float64 `json:"gamma"`
		Theta *float64 `json:"theta"`
		Vega  *float64 `json:"vega"`
		Rho   *float64 `json:"rho"`
	} `json:"greeks"`
	BidIV        *float64 `json:"bid_iv"`
	AskIV        *float64 `json:"ask_iv"`
	MarkIV       *float64 `json:"mark_iv"`
	OpenInterest *float64 `json:"open_interest"`
	LastPrice    *float64 `json:"last_price"`
}

// tradeData is one element of the trades channel payload
type tradeData struct {
	Timestamp      int64    `json:"timestamp"`
	InstrumentName string   `json:"instrument_name"`
	TradeID        string   `json:"trade_id"`
	Price          float64  `json:"price"`
	Amount         float64  `json:"amount"`
	Direction      string   `json:"direction"`
	IV             *float64 `json:"iv"`
	IndexPrice     *float64 `json:"index_price"`
}

// Decode translates one raw websocket frame into typed events. Decoding is
// pure; a trades frame may carry several ticks and they are emitted in
// order. Ticks failing validation are skipped and reported through the
// returned error while the remaining events are still delivered.
func Decode(frame []byte) ([]Event, error) {
	var envelope frameEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("undecodable frame: %v", err)
	}

	switch envelope.Method {
	case "subscription":
		return decodeSubscription(&envelope)
	case "heartbeat":
		if envelope.Params.Type == "test_request" {
			return []Event{{Kind: EventTestRequest}}, nil
		}
		return []Event{{Kind: EventHeartbeat}}, nil
	case "":
		// request/response frame
	default:
		return nil, fmt.Errorf("unknown frame method %q", envelope.Method)
	}

	if envelope.ID == nil {
		return nil, errors.New("frame has neither method nor id")
	}
	if envelope.Error != nil {
		return []Event{{
			Kind:       EventError,
			RequestID:  *envelope.ID,
			ErrCode:    envelope.Error.Code,
			ErrMessage: envelope.Error.Message,
		}}, nil
	}

	ack := Event{Kind: EventAck, RequestID: *envelope.ID}
	// subscribe/unsubscribe acks carry the affected channel list
	var channels []string
	if json.Unmarshal(envelope.Result, &channels) == nil {
		ack.Channels = channels
	}
	return []Event{ack}, nil
}

func decodeSubscription(envelope *frameEnvelope) ([]Event, error) {
	channel := envelope.Params.Channel
	switch {
	case strings.HasPrefix(channel, "ticker."):
		return decodeTicker(envelope.Params.Data)
	case strings.HasPrefix(channel, "trades."):
		return decodeTrades(envelope.Params.Data)
	default:
		return nil, fmt.Errorf("unknown subscription channel %q", channel)
	}
}

func decodeTicker(data json.RawMessage) ([]Event, error) {
	var ticker tickerData
	if err := json.Unmarshal(data, &ticker); err != nil {
		return nil, fmt.Errorf("undecodable ticker payload: %v", err)
	}

	underlying := ticker.UnderlyingPrice
	if underlying == nil {
		underlying = ticker.IndexPrice
	}

	quote := &models.QuoteTick{
		Timestamp:       time.UnixMilli(ticker.Timestamp).UTC(),
		Instrument:      ticker.InstrumentName,
		BestBidPrice:    ticker.BestBidPrice,
		BestBidAmount:   ticker.BestBidAmount,
		BestAskPrice:    ticker.BestAskPrice,
		BestAskAmount:   ticker.BestAskAmount,
		UnderlyingPrice: underlying,
		MarkPrice:       ticker.MarkPrice,
		BidIV:           ticker.BidIV,
		AskIV:           ticker.AskIV,
		MarkIV:          ticker.MarkIV,
		// mark IV doubles as the quote's implied volatility, matching the
		// stored quote schema
		ImpliedVolatility: ticker.MarkIV,
		OpenInterest:      ticker.OpenInterest,
		LastPrice:         ticker.LastPrice,
	}
	if ticker.Greeks != nil {
		quote.Delta = ticker.Greeks.Delta
		quote.Gamma = ticker.Greeks.Gamma
		quote.Theta = ticker.Greeks.Theta
		quote.Vega = ticker.Greeks.Vega
		quote.Rho = ticker.Greeks.Rho
	}

	if err := quote.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quote: %v", err)
	}
	return []Event{{Kind: EventQuote, Quote: quote}}, nil
}

func decodeTrades(data json.RawMessage) ([]Event, error) {
	var trades []tradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		// a single trade object is delivered without the list wrapper
		var single tradeData
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("undecodable trades payload: %v", err)
		}
		trades = []tradeData{single}
	}

	events := make([]Event, 0, len(trades))
	var decodeErr error
	for _, t := range trades {
		trade := &models.TradeTick{
			Timestamp:  time.UnixMilli(t.Timestamp).UTC(),
			Instrument: t.InstrumentName,
			TradeID:    t.TradeID,
			Price:      t.Price,
			Amount:     t.Amount,
			Direction:  t.Direction,
			IV:         t.IV,
			IndexPrice: t.IndexPrice,
		}
		if err := trade.Validate(); err != nil {
			decodeErr = errors.Join(decodeErr, err)
			continue
		}
		events = append(events, Event{Kind: EventTrade, Trade: trade})
	}
	return events, decodeErr
}
