package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/deltaquant/optioncollector/internal/errs"
)

func testCatalog(t *testing.T, handler http.HandlerFunc) *CatalogClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewCatalogClient(server.URL, rate.NewLimiter(rate.Inf, 1))
}

func TestListActiveParsesInstruments(t *testing.T) {
	catalog := testCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public/get_instruments", r.URL.Path)
		assert.Equal(t, "BTC", r.URL.Query().Get("currency"))
		assert.Equal(t, "option", r.URL.Query().Get("kind"))
		// expired must travel as a string, not a bool
		assert.Equal(t, "false", r.URL.Query().Get("expired"))

		w.Write([]byte(`{"jsonrpc":"2.0","result":[
			{"instrument_name":"BTC-26SEP25-100000-C","kind":"option","base_currency":"BTC","is_active":true,"expiration_timestamp":1758873600000,"strike":100000,"option_type":"call"},
			{"instrument_name":"BTC-PERPETUAL","kind":"future","base_currency":"BTC","is_active":true,"settlement_period":"perpetual"}
		]}`))
	})

	instruments, err := catalog.ListActive(context.Background(), "BTC", "option")
	require.NoError(t, err)
	require.Len(t, instruments, 2)
	assert.Equal(t, "BTC-26SEP25-100000-C", instruments[0].InstrumentName)
	assert.Equal(t, 100000.0, instruments[0].Strike)
	assert.False(t, instruments[0].Expiry().IsZero())
	assert.True(t, instruments[1].Expiry().IsZero())
}

func TestListActiveServerErrorIsTransient(t *testing.T) {
	catalog := testCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := catalog.ListActive(context.Background(), "BTC", "option")
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestListActiveRateLimitedIsTransient(t *testing.T) {
	catalog := testCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := catalog.ListActive(context.Background(), "BTC", "option")
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestListActiveEnvelopeErrorIsPermanent(t *testing.T) {
	catalog := testCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"invalid params"}}`))
	})

	_, err := catalog.ListActive(context.Background(), "BTC", "option")
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
}

func TestFetchDepthParsesBook(t *testing.T) {
	catalog := testCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public/get_order_book", r.URL.Path)
		assert.Equal(t, "BTC-26SEP25-100000-C", r.URL.Query().Get("instrument_name"))
		assert.Equal(t, "20", r.URL.Query().Get("depth"))

		w.Write([]byte(`{"jsonrpc":"2.0","result":{
			"timestamp": 1756100000123,
			"instrument_name": "BTC-26SEP25-100000-C",
			"bids": [[0.0415, 10.5],[0.041, 3.0]],
			"asks": [[0.0425, 7.0]],
			"mark_price": 0.042,
			"index_price": 64100.0,
			"open_interest": 1523.4,
			"stats": {"volume": 88.2}
		}}`))
	})

	snapshot, err := catalog.FetchDepth(context.Background(), "BTC-26SEP25-100000-C", 20)
	require.NoError(t, err)
	assert.Equal(t, "BTC-26SEP25-100000-C", snapshot.Instrument)
	assert.JSONEq(t, `[[0.0415,10.5],[0.041,3.0]]`, string(snapshot.Bids))
	assert.JSONEq(t, `[[0.0425,7.0]]`, string(snapshot.Asks))
	// no underlying_price in the book: index price stands in
	require.NotNil(t, snapshot.UnderlyingPrice)
	assert.Equal(t, 64100.0, *snapshot.UnderlyingPrice)
	require.NotNil(t, snapshot.Volume24h)
	assert.Equal(t, 88.2, *snapshot.Volume24h)
}

func TestFetchDepthExpiredInstrumentIsNotFound(t *testing.T) {
	catalog := testCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"instrument not found"}}`))
	})

	_, err := catalog.FetchDepth(context.Background(), "BTC-22AUG25-60000-P", 20)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}
