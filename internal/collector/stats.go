package collector

import "sync/atomic"

// Stats carries the process-wide ingestion counters surfaced by the status
// endpoint.
type Stats struct {
	QuotesReceived atomic.Int64
	TradesReceived atomic.Int64
	QuotesWritten  atomic.Int64
	TradesWritten  atomic.Int64
	DepthWritten   atomic.Int64
	WriteFailures  atomic.Int64
	DeadLettered   atomic.Int64
}

// Snapshot returns the counters as a plain map for JSON responses
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"quotes_received": s.QuotesReceived.Load(),
		"trades_received": s.TradesReceived.Load(),
		"ticks_processed": s.QuotesReceived.Load() + s.TradesReceived.Load(),
		"quotes_written":  s.QuotesWritten.Load(),
		"trades_written":  s.TradesWritten.Load(),
		"depth_written":   s.DepthWritten.Load(),
		"write_failures":  s.WriteFailures.Load(),
		"dead_lettered":   s.DeadLettered.Load(),
	}
}
