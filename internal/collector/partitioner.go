package collector

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/exchange"
)

const (
	rebalanceTolerance   = 0.10 // sessions may run 10% above the mean
	rebalanceMinExcess   = 20   // and 20 instruments above it
	rebalanceMinInterval = 10 * time.Minute
)

// Move is one partitioner-emitted subscription migration step. Moves are
// applied in order; unsubscribes always precede the matching subscribes so
// no session transiently exceeds its cap.
type Move struct {
	SessionID   int
	Op          string // "subscribe" or "unsubscribe"
	Instruments []string
}

// Partitioner decides which session hosts which instrument: deterministic
// hash modulo N with overflow spilling to the next session in round-robin
// order, so small universe changes cause little shuffle.
type Partitioner struct {
	sessions int
	cap      int

	mu            sync.Mutex
	lastRebalance time.Time
}

// NewPartitioner creates a Partitioner for the given session count and
// per-session channel cap.
func NewPartitioner(sessions, channelCap int) *Partitioner {
	return &Partitioner{sessions: sessions, cap: channelCap}
}

// Target returns the session that should host an instrument given the
// current per-session instrument counts.
func (p *Partitioner) Target(instrument string, counts []int) (int, error) {
	home := int(hash32(instrument) % uint32(p.sessions))
	for i := 0; i < p.sessions; i++ {
		session := (home + i) % p.sessions
		if (counts[session]+1)*exchange.ChannelsPerInstrument <= p.cap {
			return session, nil
		}
	}
	return 0, errs.Capacity("all sessions at channel capacity")
}

// Rebalance inspects the current assignment and, when a session has
// drifted past the tolerance, emits a minimum-movement diff. At most one
// rebalance is emitted per ten minutes.
func (p *Partitioner) Rebalance(assignments [][]string) []Move {
	counts := make([]int, len(assignments))
	total := 0
	for i, names := range assignments {
		counts[i] = len(names)
		total += len(names)
	}
	if total == 0 || len(assignments) < 2 {
		return nil
	}
	mean := float64(total) / float64(len(assignments))

	overloaded := make([]int, 0)
	for i, count := range counts {
		excess := float64(count) - mean
		if float64(count) > mean*(1+rebalanceTolerance) && excess > rebalanceMinExcess {
			overloaded = append(overloaded, i)
		}
	}
	if len(overloaded) == 0 {
		return nil
	}

	p.mu.Lock()
	if time.Since(p.lastRebalance) < rebalanceMinInterval {
		p.mu.Unlock()
		return nil
	}
	p.lastRebalance = time.Now()
	p.mu.Unlock()

	var moves []Move
	for _, source := range overloaded {
		excess := float64(counts[source]) - mean
		// migrate the share of the excess the other sessions should carry
		moveCount := int(math.Ceil(excess * float64(p.sessions-1) / float64(p.sessions)))
		if moveCount <= 0 {
			continue
		}

		names := append([]string(nil), assignments[source]...)
		sort.Strings(names)
		migrating := names[len(names)-moveCount:]

		moves = append(moves, Move{SessionID: source, Op: "unsubscribe", Instruments: migrating})
		counts[source] -= moveCount

		// hand chunks to the least-loaded sessions, never past the cap
		remaining := migrating
		for len(remaining) > 0 {
			destination := leastLoaded(counts, source)
			room := p.cap/exchange.ChannelsPerInstrument - counts[destination]
			if room <= 0 {
				break
			}
			want := int(math.Ceil(mean)) - counts[destination]
			if want < 1 {
				want = 1
			}
			if want > room {
				want = room
			}
			if want > len(remaining) {
				want = len(remaining)
			}
			moves = append(moves, Move{SessionID: destination, Op: "subscribe", Instruments: remaining[:want]})
			counts[destination] += want
			remaining = remaining[want:]
		}
	}
	return moves
}

func leastLoaded(counts []int, exclude int) int {
	best := -1
	for i, count := range counts {
		if i == exclude {
			continue
		}
		if best == -1 || count < counts[best] {
			best = i
		}
	}
	return best
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
