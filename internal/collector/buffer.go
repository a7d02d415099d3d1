// Package collector contains the ingestion core: tick buffering, the
// session pool, the subscription partitioner and the batch writer.
package collector

import (
	"sync"
	"time"

	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
)

const (
	highWaterMark    = 0.8
	dropWarnInterval = 60 * time.Second
)

// ring is a bounded FIFO that admits the newest element by dropping the
// oldest when full.
type ring[T any] struct {
	buf     []T
	head    int
	size    int
	dropped int64
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

// push admits v; returns true when the oldest element was dropped.
func (r *ring[T]) push(v T) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		r.dropped++
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return false
}

// detach drains the ring in FIFO order
func (r *ring[T]) detach() []T {
	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = 0
	r.size = 0
	return out
}

func (r *ring[T]) free() int { return len(r.buf) - r.size }

// BufferStats is a snapshot of the buffer fill and drop counters
type BufferStats struct {
	QuotesBuffered int   `json:"quotes_buffered"`
	TradesBuffered int   `json:"trades_buffered"`
	DepthBuffered  int   `json:"depth_buffered"`
	QuotesDropped  int64 `json:"quotes_dropped"`
	TradesDropped  int64 `json:"trades_dropped"`
	DepthDropped   int64 `json:"depth_dropped"`
}

// TickBuffer decouples decode latency from store-write latency. Pushes
// never block: at capacity the oldest tick is dropped so the session
// reader keeps the connection alive.
type TickBuffer struct {
	mu     sync.Mutex
	quotes *ring[models.QuoteTick]
	trades *ring[models.TradeTick]
	depth  *ring[models.DepthSnapshot]

	lastDropWarn map[string]time.Time
	flushSignal  chan struct{}
}

// NewTickBuffer creates a TickBuffer with the given per-kind capacities
func NewTickBuffer(capQuotes, capTrades, capDepth int) *TickBuffer {
	return &TickBuffer{
		quotes:       newRing[models.QuoteTick](capQuotes),
		trades:       newRing[models.TradeTick](capTrades),
		depth:        newRing[models.DepthSnapshot](capDepth),
		lastDropWarn: make(map[string]time.Time),
		flushSignal:  make(chan struct{}, 1),
	}
}

// PushQuote admits a quote, dropping the oldest buffered quote at capacity
func (b *TickBuffer) PushQuote(q models.QuoteTick) {
	b.mu.Lock()
	dropped := b.quotes.push(q)
	droppedTotal := b.quotes.dropped
	hwm := float64(b.quotes.size) >= highWaterMark*float64(len(b.quotes.buf))
	b.mu.Unlock()

	if dropped {
		b.warnDrop("quotes", droppedTotal)
	}
	if hwm {
		b.signalFlush()
	}
}

// PushTrade admits a trade, dropping the oldest buffered trade at capacity
func (b *TickBuffer) PushTrade(t models.TradeTick) {
	b.mu.Lock()
	dropped := b.trades.push(t)
	droppedTotal := b.trades.dropped
	hwm := float64(b.trades.size) >= highWaterMark*float64(len(b.trades.buf))
	b.mu.Unlock()

	if dropped {
		b.warnDrop("trades", droppedTotal)
	}
	if hwm {
		b.signalFlush()
	}
}

// PushDepth admits a depth snapshot
func (b *TickBuffer) PushDepth(d models.DepthSnapshot) {
	b.mu.Lock()
	dropped := b.depth.push(d)
	droppedTotal := b.depth.dropped
	hwm := float64(b.depth.size) >= highWaterMark*float64(len(b.depth.buf))
	b.mu.Unlock()

	if dropped {
		b.warnDrop("depth", droppedTotal)
	}
	if hwm {
		b.signalFlush()
	}
}

// DetachQuotes atomically removes and returns all buffered quotes. The
// buffer stays writable while the caller drains the batch.
func (b *TickBuffer) DetachQuotes() []models.QuoteTick {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotes.detach()
}

// DetachTrades atomically removes and returns all buffered trades
func (b *TickBuffer) DetachTrades() []models.TradeTick {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trades.detach()
}

// DetachDepth atomically removes and returns all buffered depth snapshots
func (b *TickBuffer) DetachDepth() []models.DepthSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth.detach()
}

// RequeueQuotes returns a failed batch to the buffer. Only rows fitting in
// the free capacity are readmitted; the rest are counted as dropped.
func (b *TickBuffer) RequeueQuotes(rows []models.QuoteTick) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	admitted := len(rows)
	if free := b.quotes.free(); admitted > free {
		b.quotes.dropped += int64(admitted - free)
		admitted = free
	}
	for _, q := range rows[:admitted] {
		b.quotes.push(q)
	}
	return admitted
}

// RequeueTrades returns a failed batch to the buffer
func (b *TickBuffer) RequeueTrades(rows []models.TradeTick) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	admitted := len(rows)
	if free := b.trades.free(); admitted > free {
		b.trades.dropped += int64(admitted - free)
		admitted = free
	}
	for _, t := range rows[:admitted] {
		b.trades.push(t)
	}
	return admitted
}

// RequeueDepth returns a failed batch to the buffer
func (b *TickBuffer) RequeueDepth(rows []models.DepthSnapshot) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	admitted := len(rows)
	if free := b.depth.free(); admitted > free {
		b.depth.dropped += int64(admitted - free)
		admitted = free
	}
	for _, d := range rows[:admitted] {
		b.depth.push(d)
	}
	return admitted
}

// FlushSignal fires when any queue crosses its high-water mark
func (b *TickBuffer) FlushSignal() <-chan struct{} {
	return b.flushSignal
}

// Stats returns a snapshot of fill levels and drop counters
func (b *TickBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		QuotesBuffered: b.quotes.size,
		TradesBuffered: b.trades.size,
		DepthBuffered:  b.depth.size,
		QuotesDropped:  b.quotes.dropped,
		TradesDropped:  b.trades.dropped,
		DepthDropped:   b.depth.dropped,
	}
}

func (b *TickBuffer) signalFlush() {
	select {
	case b.flushSignal <- struct{}{}:
	default:
	}
}

// warnDrop logs overflow at most once per minute per kind
func (b *TickBuffer) warnDrop(kind string, droppedTotal int64) {
	b.mu.Lock()
	last := b.lastDropWarn[kind]
	now := time.Now()
	if now.Sub(last) < dropWarnInterval {
		b.mu.Unlock()
		return
	}
	b.lastDropWarn[kind] = now
	b.mu.Unlock()

	zaplogger.Warn("tick buffer overflow, dropping oldest", zaplogger.Fields{
		"kind":          kind,
		"dropped_total": droppedTotal,
	})
}
