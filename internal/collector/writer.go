package collector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
	"github.com/goccy/go-json"
	"gorm.io/datatypes"
)

const (
	writeRetries       = 3
	writeRetryBase     = time.Second
	storeWriteTimeout  = 30 * time.Second
	finalFlushDeadline = 15 * time.Second
)

// TickStore is the store surface the writer persists batches through
type TickStore interface {
	InsertQuoteBatch(ctx context.Context, quotes []models.QuoteTick) error
	InsertTradeBatch(ctx context.Context, trades []models.TradeTick) error
	InsertDepthBatch(ctx context.Context, snapshots []models.DepthSnapshot) error
	InsertDeadLetters(ctx context.Context, rows []models.DeadLetterRow) error
}

// BatchWriter drains the tick buffer into the store: one transaction per
// batch per kind, transient-retry with exponential backoff, dead-letter on
// permanent row failures.
type BatchWriter struct {
	store         TickStore
	buffer        *TickBuffer
	stats         *Stats
	flushInterval time.Duration
	lastWrite     atomic.Int64
}

// NewBatchWriter creates a BatchWriter
func NewBatchWriter(store TickStore, buffer *TickBuffer, stats *Stats, flushInterval time.Duration) *BatchWriter {
	return &BatchWriter{
		store:         store,
		buffer:        buffer,
		stats:         stats,
		flushInterval: flushInterval,
	}
}

// Run flushes on the configured interval or on a buffer high-water-mark
// signal, whichever fires first. On cancellation one final flush runs
// under a hard deadline; whatever cannot be written by then is dropped
// with an error-level count.
func (w *BatchWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush()
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.buffer.FlushSignal():
			w.flush(ctx)
		}
	}
}

// LastWriteAt returns the instant of the last successful store write
func (w *BatchWriter) LastWriteAt() time.Time {
	nanos := w.lastWrite.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (w *BatchWriter) flush(ctx context.Context) {
	w.flushQuotes(ctx)
	w.flushTrades(ctx)
	w.flushDepth(ctx)
}

func (w *BatchWriter) flushQuotes(ctx context.Context) {
	batch := w.buffer.DetachQuotes()
	if len(batch) == 0 {
		return
	}
	err := w.writeWithRetry(ctx, "quotes", len(batch), func(writeCtx context.Context) error {
		return w.store.InsertQuoteBatch(writeCtx, batch)
	})
	if err == nil {
		w.stats.QuotesWritten.Add(int64(len(batch)))
		return
	}
	if errs.IsPermanent(err) {
		w.quotesRowByRow(ctx, batch)
		return
	}
	w.stats.WriteFailures.Add(1)
	requeued := w.buffer.RequeueQuotes(batch)
	zaplogger.Error("quote batch write failed, requeued", zaplogger.Fields{
		"batch":    len(batch),
		"requeued": requeued,
		"error":    err.Error(),
	})
}

func (w *BatchWriter) flushTrades(ctx context.Context) {
	batch := w.buffer.DetachTrades()
	if len(batch) == 0 {
		return
	}
	err := w.writeWithRetry(ctx, "trades", len(batch), func(writeCtx context.Context) error {
		return w.store.InsertTradeBatch(writeCtx, batch)
	})
	if err == nil {
		w.stats.TradesWritten.Add(int64(len(batch)))
		return
	}
	if errs.IsPermanent(err) {
		w.tradesRowByRow(ctx, batch)
		return
	}
	w.stats.WriteFailures.Add(1)
	requeued := w.buffer.RequeueTrades(batch)
	zaplogger.Error("trade batch write failed, requeued", zaplogger.Fields{
		"batch":    len(batch),
		"requeued": requeued,
		"error":    err.Error(),
	})
}

func (w *BatchWriter) flushDepth(ctx context.Context) {
	batch := w.buffer.DetachDepth()
	if len(batch) == 0 {
		return
	}
	err := w.writeWithRetry(ctx, "depth", len(batch), func(writeCtx context.Context) error {
		return w.store.InsertDepthBatch(writeCtx, batch)
	})
	if err == nil {
		w.stats.DepthWritten.Add(int64(len(batch)))
		return
	}
	if errs.IsPermanent(err) {
		w.depthRowByRow(ctx, batch)
		return
	}
	w.stats.WriteFailures.Add(1)
	requeued := w.buffer.RequeueDepth(batch)
	zaplogger.Error("depth batch write failed, requeued", zaplogger.Fields{
		"batch":    len(batch),
		"requeued": requeued,
		"error":    err.Error(),
	})
}

// writeWithRetry retries transient failures with 1s, 2s, 4s backoff.
// Permanent failures return immediately for row-by-row isolation.
func (w *BatchWriter) writeWithRetry(ctx context.Context, kind string, size int, write func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			delay := writeRetryBase << (attempt - 1)
			zaplogger.Warn("store write retry", zaplogger.Fields{
				"kind":    kind,
				"batch":   size,
				"attempt": attempt + 1,
				"delay":   delay.String(),
			})
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
		}

		writeCtx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		err = write(writeCtx)
		cancel()

		if err == nil {
			w.lastWrite.Store(time.Now().UnixNano())
			return nil
		}
		if errs.IsPermanent(err) {
			return err
		}
	}
	return err
}

// quotesRowByRow isolates the offending rows of a permanently failing
// batch: each row is written alone and failures land in the dead letter
// table while the rest of the batch survives.
func (w *BatchWriter) quotesRowByRow(ctx context.Context, batch []models.QuoteTick) {
	var dead []models.DeadLetterRow
	for _, row := range batch {
		writeCtx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		err := w.store.InsertQuoteBatch(writeCtx, []models.QuoteTick{row})
		cancel()
		if err == nil {
			w.stats.QuotesWritten.Add(1)
			continue
		}
		dead = append(dead, deadLetter("quote", row, err))
	}
	w.writeDeadLetters(ctx, "quotes", dead)
}

func (w *BatchWriter) tradesRowByRow(ctx context.Context, batch []models.TradeTick) {
	var dead []models.DeadLetterRow
	for _, row := range batch {
		writeCtx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		err := w.store.InsertTradeBatch(writeCtx, []models.TradeTick{row})
		cancel()
		if err == nil {
			w.stats.TradesWritten.Add(1)
			continue
		}
		dead = append(dead, deadLetter("trade", row, err))
	}
	w.writeDeadLetters(ctx, "trades", dead)
}

func (w *BatchWriter) depthRowByRow(ctx context.Context, batch []models.DepthSnapshot) {
	var dead []models.DeadLetterRow
	for _, row := range batch {
		writeCtx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		err := w.store.InsertDepthBatch(writeCtx, []models.DepthSnapshot{row})
		cancel()
		if err == nil {
			w.stats.DepthWritten.Add(1)
			continue
		}
		dead = append(dead, deadLetter("depth", row, err))
	}
	w.writeDeadLetters(ctx, "depth", dead)
}

func (w *BatchWriter) writeDeadLetters(ctx context.Context, kind string, rows []models.DeadLetterRow) {
	if len(rows) == 0 {
		return
	}
	w.stats.DeadLettered.Add(int64(len(rows)))
	zaplogger.Error("rows dead-lettered", zaplogger.Fields{
		"kind":  kind,
		"count": len(rows),
	})
	writeCtx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	if err := w.store.InsertDeadLetters(writeCtx, rows); err != nil {
		zaplogger.Error("dead letter write failed", zaplogger.Fields{
			"kind":  kind,
			"count": len(rows),
			"error": err.Error(),
		})
	}
}

func deadLetter(kind string, row interface{}, cause error) models.DeadLetterRow {
	payload, err := json.Marshal(row)
	if err != nil {
		payload = []byte("{}")
	}
	return models.DeadLetterRow{
		Kind:      kind,
		Payload:   datatypes.JSON(payload),
		Reason:    cause.Error(),
		CreatedAt: time.Now().UTC(),
	}
}

// finalFlush drains whatever remains under the shutdown deadline
func (w *BatchWriter) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushDeadline)
	defer cancel()

	w.flush(ctx)

	stats := w.buffer.Stats()
	unwritten := stats.QuotesBuffered + stats.TradesBuffered + stats.DepthBuffered
	if unwritten > 0 {
		zaplogger.Error("shutdown flush deadline reached, dropping buffered rows", zaplogger.Fields{
			"unwritten": unwritten,
		})
	}
}
