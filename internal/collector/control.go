package collector

import (
	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/exchange"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
)

// Control is the subscription front door: it combines the partitioner's
// placement decisions with the pool's session commands so callers never
// address sessions directly.
type Control struct {
	pool        *ConnectionPool
	partitioner *Partitioner
}

// NewControl creates a Control over the pool and partitioner
func NewControl(pool *ConnectionPool, partitioner *Partitioner) *Control {
	return &Control{pool: pool, partitioner: partitioner}
}

// Subscribe places each instrument on its partitioner-chosen session and
// aggregates the per-session results. Instruments that fit no session are
// reported as failed with a capacity reason.
func (c *Control) Subscribe(instruments []string) exchange.CommandResult {
	result := exchange.CommandResult{}
	perSession := make(map[int][]string)

	counts := c.pool.Counts()
	for _, name := range instruments {
		target, err := c.partitioner.Target(name, counts)
		if err != nil {
			result.Failed = append(result.Failed, exchange.FailedInstrument{
				Instrument: name,
				Error:      string(errs.CodeOf(err)),
			})
			continue
		}
		perSession[target] = append(perSession[target], name)
		counts[target]++
	}

	for sessionID, names := range perSession {
		sessionResult, err := c.pool.Subscribe(sessionID, names)
		if err != nil {
			for _, name := range names {
				result.Failed = append(result.Failed, exchange.FailedInstrument{
					Instrument: name,
					Error:      err.Error(),
				})
			}
			continue
		}
		result.Subscribed = append(result.Subscribed, sessionResult.Subscribed...)
		result.AlreadySubscribed = append(result.AlreadySubscribed, sessionResult.AlreadySubscribed...)
		result.Failed = append(result.Failed, sessionResult.Failed...)
	}

	result.TotalInstruments = len(c.pool.TrackedInstruments())
	return result
}

// Unsubscribe removes instruments from whichever session holds them
func (c *Control) Unsubscribe(instruments []string) exchange.CommandResult {
	result := exchange.CommandResult{}
	perSession := make(map[int][]string)

	for _, name := range instruments {
		sessionID, ok := c.pool.SessionFor(name)
		if !ok {
			result.NotFound = append(result.NotFound, name)
			continue
		}
		perSession[sessionID] = append(perSession[sessionID], name)
	}

	for sessionID, names := range perSession {
		sessionResult, err := c.pool.Unsubscribe(sessionID, names)
		if err != nil {
			result.NotFound = append(result.NotFound, names...)
			continue
		}
		result.Unsubscribed = append(result.Unsubscribed, sessionResult.Unsubscribed...)
		result.NotFound = append(result.NotFound, sessionResult.NotFound...)
	}

	result.TotalInstruments = len(c.pool.TrackedInstruments())
	return result
}

// Rebalance asks the partitioner for a migration plan against the live
// assignment and applies it. Returns the number of migrated instruments.
func (c *Control) Rebalance() int {
	moves := c.partitioner.Rebalance(c.pool.Assignments())
	if len(moves) == 0 {
		return 0
	}
	return c.ApplyMoves(moves)
}

// ApplyMoves executes a migration plan in order. Unsubscribe steps come
// first in the plan so no session transiently exceeds its cap.
func (c *Control) ApplyMoves(moves []Move) int {
	migrated := 0
	for _, move := range moves {
		switch move.Op {
		case "unsubscribe":
			if _, err := c.pool.Unsubscribe(move.SessionID, move.Instruments); err != nil {
				zaplogger.Error("rebalance unsubscribe failed", zaplogger.Fields{
					"session": move.SessionID,
					"count":   len(move.Instruments),
					"error":   err.Error(),
				})
			}
		case "subscribe":
			result, err := c.pool.Subscribe(move.SessionID, move.Instruments)
			if err != nil {
				zaplogger.Error("rebalance subscribe failed", zaplogger.Fields{
					"session": move.SessionID,
					"count":   len(move.Instruments),
					"error":   err.Error(),
				})
				continue
			}
			migrated += len(result.Subscribed)
		}
	}
	return migrated
}

// Tracked returns the union of instruments across all sessions
func (c *Control) Tracked() []string {
	return c.pool.TrackedInstruments()
}

// Which reports the session currently holding an instrument
func (c *Control) Which(instrument string) (int, bool) {
	return c.pool.SessionFor(instrument)
}
