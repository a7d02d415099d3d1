package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deltaquant/optioncollector/internal/exchange"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
)

const poolStartTimeout = 30 * time.Second

// ConnectionPool owns the fixed set of streaming sessions and routes their
// decoded events into the shared tick buffer.
type ConnectionPool struct {
	sessions []*exchange.Session
	buffer   *TickBuffer
	stats    *Stats
}

// NewConnectionPool creates the pool with sessionCount sessions against
// wsURL, each capped at channelCap channels.
func NewConnectionPool(sessionCount, channelCap int, wsURL string, buffer *TickBuffer, stats *Stats) *ConnectionPool {
	pool := &ConnectionPool{
		buffer: buffer,
		stats:  stats,
	}
	for i := 0; i < sessionCount; i++ {
		pool.sessions = append(pool.sessions, exchange.NewSession(i, wsURL, channelCap, pool.routeEvent))
	}
	return pool
}

// routeEvent pushes one decoded event into the buffer
func (p *ConnectionPool) routeEvent(ev exchange.Event) {
	switch ev.Kind {
	case exchange.EventQuote:
		p.buffer.PushQuote(*ev.Quote)
		p.stats.QuotesReceived.Add(1)
	case exchange.EventTrade:
		p.buffer.PushTrade(*ev.Trade)
		p.stats.TradesReceived.Add(1)
	}
}

// Start launches all sessions and blocks until every session reports
// Connected or the overall deadline elapses. Sessions keep reconnecting in
// the background either way.
func (p *ConnectionPool) Start(ctx context.Context) error {
	for _, session := range p.sessions {
		go session.Run(ctx)
	}

	timeout := time.After(poolStartTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.allConnected() {
				zaplogger.Info("all sessions connected", zaplogger.Fields{
					"sessions": len(p.sessions),
				})
				return nil
			}
		case <-timeout:
			return fmt.Errorf("timeout waiting for %d sessions to connect", len(p.sessions))
		}
	}
}

func (p *ConnectionPool) allConnected() bool {
	for _, session := range p.sessions {
		if session.State() != exchange.StateConnected {
			return false
		}
	}
	return true
}

// SessionCount returns the number of sessions in the pool
func (p *ConnectionPool) SessionCount() int {
	return len(p.sessions)
}

// Subscribe adds instruments on the given session
func (p *ConnectionPool) Subscribe(sessionID int, instruments []string) (exchange.CommandResult, error) {
	if sessionID < 0 || sessionID >= len(p.sessions) {
		return exchange.CommandResult{}, fmt.Errorf("unknown session %d", sessionID)
	}
	return p.sessions[sessionID].Subscribe(instruments), nil
}

// Unsubscribe removes instruments on the given session
func (p *ConnectionPool) Unsubscribe(sessionID int, instruments []string) (exchange.CommandResult, error) {
	if sessionID < 0 || sessionID >= len(p.sessions) {
		return exchange.CommandResult{}, fmt.Errorf("unknown session %d", sessionID)
	}
	return p.sessions[sessionID].Unsubscribe(instruments), nil
}

// SessionStates returns a read-only snapshot of every session
func (p *ConnectionPool) SessionStates() []exchange.SessionStatus {
	states := make([]exchange.SessionStatus, 0, len(p.sessions))
	for _, session := range p.sessions {
		states = append(states, session.Status())
	}
	return states
}

// SessionStatus returns the snapshot of one session
func (p *ConnectionPool) SessionStatus(sessionID int) (exchange.SessionStatus, error) {
	if sessionID < 0 || sessionID >= len(p.sessions) {
		return exchange.SessionStatus{}, fmt.Errorf("unknown session %d", sessionID)
	}
	return p.sessions[sessionID].Status(), nil
}

// Counts returns the instrument count per session
func (p *ConnectionPool) Counts() []int {
	counts := make([]int, len(p.sessions))
	for i, session := range p.sessions {
		counts[i] = len(session.Instruments())
	}
	return counts
}

// Assignments returns the instrument names per session
func (p *ConnectionPool) Assignments() [][]string {
	assignments := make([][]string, len(p.sessions))
	for i, session := range p.sessions {
		assignments[i] = session.Instruments()
	}
	return assignments
}

// TrackedInstruments returns the union of all intended instrument sets
func (p *ConnectionPool) TrackedInstruments() []string {
	seen := make(map[string]struct{})
	for _, session := range p.sessions {
		for _, name := range session.Instruments() {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SessionFor returns the session currently holding an instrument
func (p *ConnectionPool) SessionFor(instrument string) (int, bool) {
	for i, session := range p.sessions {
		for _, name := range session.Instruments() {
			if name == instrument {
				return i, true
			}
		}
	}
	return 0, false
}

// LastEventAt returns the most recent event instant across all sessions
func (p *ConnectionPool) LastEventAt() time.Time {
	var latest time.Time
	for _, session := range p.sessions {
		if at := session.Status().LastEventAt; at.After(latest) {
			latest = at
		}
	}
	return latest
}
