// Package exchange contains the Deribit catalog client, frame decoder and
// websocket session.
package exchange

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

const (
	catalogConnectTimeout = 5 * time.Second
	catalogTotalTimeout   = 15 * time.Second
)

// InstrumentDescriptor is one instrument as listed by the exchange
type InstrumentDescriptor struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"`
	BaseCurrency        string  `json:"base_currency"`
	IsActive            bool    `json:"is_active"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	Strike              float64 `json:"strike"`
	OptionType          string  `json:"option_type"`
	SettlementPeriod    string  `json:"settlement_period"`
}

// Expiry returns the advertised expiry instant, or zero when the
// instrument never expires (perpetuals).
func (d *InstrumentDescriptor) Expiry() time.Time {
	if d.ExpirationTimestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.ExpirationTimestamp).UTC()
}

// apiEnvelope is the JSON-RPC response envelope of the REST API
type apiEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// orderBookResult is the get_order_book response body
type orderBookResult struct {
	Timestamp       int64       `json:"timestamp"`
	InstrumentName  string      `json:"instrument_name"`
	Bids            [][]float64 `json:"bids"`
	Asks            [][]float64 `json:"asks"`
	MarkPrice       *float64    `json:"mark_price"`
	UnderlyingPrice *float64    `json:"underlying_price"`
	IndexPrice      *float64    `json:"index_price"`
	OpenInterest    *float64    `json:"open_interest"`
	Stats           struct {
		Volume *float64 `json:"volume"`
	} `json:"stats"`
}

// CatalogClient talks to the exchange's unauthenticated REST API. All calls
// share one token bucket so the snapshotter and the lifecycle manager cannot
// stack request storms.
type CatalogClient struct {
	rest    *resty.Client
	limiter *rate.Limiter
}

// NewCatalogClient creates a new CatalogClient
func NewCatalogClient(baseURL string, limiter *rate.Limiter) *CatalogClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: catalogConnectTimeout}).DialContext,
	}
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(catalogTotalTimeout).
		SetTransport(transport)

	return &CatalogClient{rest: rest, limiter: limiter}
}

// ListActive returns all currently listed instruments for a currency and
// kind. Transient faults (network, 5xx, 429) are retryable by the caller.
func (c *CatalogClient) ListActive(ctx context.Context, currency, kind string) ([]InstrumentDescriptor, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"currency": currency,
			"kind":     kind,
			// The API rejects native booleans in query strings.
			"expired": "false",
		}).
		Get("/public/get_instruments")
	if err != nil {
		return nil, errs.Transient("get_instruments request", err)
	}

	envelope, err := parseEnvelope(resp)
	if err != nil {
		return nil, err
	}

	var instruments []InstrumentDescriptor
	if err := json.Unmarshal(envelope.Result, &instruments); err != nil {
		return nil, errs.Permanent("get_instruments result", err)
	}
	return instruments, nil
}

// FetchDepth returns one full orderbook snapshot for an instrument. Returns
// a not-found error when the instrument expired between listing and this
// call.
func (c *CatalogClient) FetchDepth(ctx context.Context, instrument string, maxLevels int) (*models.DepthSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"instrument_name": instrument,
			"depth":           strconv.Itoa(maxLevels),
		}).
		Get("/public/get_order_book")
	if err != nil {
		return nil, errs.Transient("get_order_book request", err)
	}

	envelope, err := parseEnvelope(resp)
	if err != nil {
		if errs.IsPermanent(err) && resp.StatusCode() == http.StatusBadRequest {
			// get_order_book answers 400 "instrument not found" once an
			// instrument settles
			return nil, errs.NotFound(instrument)
		}
		return nil, err
	}

	var book orderBookResult
	if err := json.Unmarshal(envelope.Result, &book); err != nil {
		return nil, errs.Permanent("get_order_book result", err)
	}

	bids, err := json.Marshal(book.Bids)
	if err != nil {
		return nil, errs.Permanent("encode bids", err)
	}
	asks, err := json.Marshal(book.Asks)
	if err != nil {
		return nil, errs.Permanent("encode asks", err)
	}

	underlying := book.UnderlyingPrice
	if underlying == nil {
		underlying = book.IndexPrice
	}

	return &models.DepthSnapshot{
		Timestamp:       time.UnixMilli(book.Timestamp).UTC(),
		Instrument:      book.InstrumentName,
		Bids:            datatypes.JSON(bids),
		Asks:            datatypes.JSON(asks),
		MarkPrice:       book.MarkPrice,
		UnderlyingPrice: underlying,
		OpenInterest:    book.OpenInterest,
		Volume24h:       book.Stats.Volume,
	}, nil
}

// parseEnvelope classifies the HTTP status and unwraps the JSON-RPC envelope
func parseEnvelope(resp *resty.Response) (*apiEnvelope, error) {
	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, errs.Transient(fmt.Sprintf("exchange answered %d", status), nil)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, errs.Permanent("malformed response body", err)
	}
	if envelope.Error != nil {
		return nil, errs.Permanent(fmt.Sprintf("exchange error %d: %s", envelope.Error.Code, envelope.Error.Message), nil)
	}
	if envelope.Result == nil {
		return nil, errs.Permanent("response has no result", nil)
	}
	return &envelope, nil
}
