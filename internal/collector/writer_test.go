package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/models"
)

// fakeStore scripts per-kind outcomes and records everything written
type fakeStore struct {
	mu          sync.Mutex
	quoteErrs   []error
	quotes      [][]models.QuoteTick
	trades      [][]models.TradeTick
	depth       [][]models.DepthSnapshot
	deadLetters []models.DeadLetterRow
}

func (f *fakeStore) nextQuoteErr() error {
	if len(f.quoteErrs) == 0 {
		return nil
	}
	err := f.quoteErrs[0]
	f.quoteErrs = f.quoteErrs[1:]
	return err
}

func (f *fakeStore) InsertQuoteBatch(ctx context.Context, quotes []models.QuoteTick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextQuoteErr(); err != nil {
		return err
	}
	f.quotes = append(f.quotes, quotes)
	return nil
}

func (f *fakeStore) InsertTradeBatch(ctx context.Context, trades []models.TradeTick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trades)
	return nil
}

func (f *fakeStore) InsertDepthBatch(ctx context.Context, snapshots []models.DepthSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth = append(f.depth, snapshots)
	return nil
}

func (f *fakeStore) InsertDeadLetters(ctx context.Context, rows []models.DeadLetterRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, rows...)
	return nil
}

func newTestWriter(store TickStore) (*BatchWriter, *TickBuffer, *Stats) {
	buffer := NewTickBuffer(100, 100, 100)
	stats := &Stats{}
	writer := NewBatchWriter(store, buffer, stats, time.Second)
	return writer, buffer, stats
}

func TestWriterFlushesAllKinds(t *testing.T) {
	store := &fakeStore{}
	writer, buffer, stats := newTestWriter(store)

	buffer.PushQuote(quoteAt("A", 1))
	buffer.PushTrade(models.TradeTick{Instrument: "A", TradeID: "1"})
	buffer.PushDepth(models.DepthSnapshot{Instrument: "A"})

	writer.flush(context.Background())

	require.Len(t, store.quotes, 1)
	require.Len(t, store.trades, 1)
	require.Len(t, store.depth, 1)
	assert.Equal(t, int64(1), stats.QuotesWritten.Load())
	assert.Equal(t, int64(1), stats.TradesWritten.Load())
	assert.Equal(t, int64(1), stats.DepthWritten.Load())
	assert.False(t, writer.LastWriteAt().IsZero())
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	store := &fakeStore{
		quoteErrs: []error{errs.Transient("deadlock", nil)},
	}
	writer, buffer, stats := newTestWriter(store)
	buffer.PushQuote(quoteAt("A", 1))

	writer.flush(context.Background())

	// first attempt fails, second succeeds
	require.Len(t, store.quotes, 1)
	assert.Equal(t, int64(1), stats.QuotesWritten.Load())
	assert.Equal(t, int64(0), stats.WriteFailures.Load())
}

func TestWriterRequeuesAfterExhaustedRetries(t *testing.T) {
	store := &fakeStore{
		quoteErrs: []error{
			errs.Transient("down", nil),
			errs.Transient("down", nil),
			errs.Transient("down", nil),
		},
	}
	writer, buffer, stats := newTestWriter(store)
	buffer.PushQuote(quoteAt("A", 1))
	buffer.PushQuote(quoteAt("A", 2))

	writer.flush(context.Background())

	assert.Empty(t, store.quotes)
	assert.Equal(t, int64(1), stats.WriteFailures.Load())
	assert.Equal(t, 2, buffer.Stats().QuotesBuffered, "failed batch must return to the buffer")
}

func TestWriterIsolatesPermanentFailureRowByRow(t *testing.T) {
	store := &fakeStore{
		quoteErrs: []error{
			errs.Permanent("value out of range", nil), // batch write
			errs.Permanent("value out of range", nil), // first row alone
		},
	}
	writer, buffer, stats := newTestWriter(store)
	buffer.PushQuote(quoteAt("BAD", 1))
	buffer.PushQuote(quoteAt("GOOD", 2))

	writer.flush(context.Background())

	// the bad row lands in the dead letter table, the good row is written
	require.Len(t, store.deadLetters, 1)
	assert.Equal(t, "quote", store.deadLetters[0].Kind)
	require.Len(t, store.quotes, 1)
	assert.Equal(t, "GOOD", store.quotes[0][0].Instrument)
	assert.Equal(t, int64(1), stats.DeadLettered.Load())
	assert.Equal(t, int64(1), stats.QuotesWritten.Load())
	assert.Equal(t, 0, buffer.Stats().QuotesBuffered)
}

func TestWriterEmptyBufferIsNoop(t *testing.T) {
	store := &fakeStore{}
	writer, _, _ := newTestWriter(store)

	writer.flush(context.Background())

	assert.Empty(t, store.quotes)
	assert.True(t, writer.LastWriteAt().IsZero())
}
