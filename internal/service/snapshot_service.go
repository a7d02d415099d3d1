package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/deltaquant/optioncollector/internal/collector"
	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
)

const depthLevels = 20

// DepthSource fetches one orderbook snapshot per instrument
type DepthSource interface {
	FetchDepth(ctx context.Context, instrument string, maxLevels int) (*models.DepthSnapshot, error)
}

// TrackedSource names the instruments a sweep should cover
type TrackedSource interface {
	Tracked() []string
}

// SnapshotService sweeps full depth snapshots over every tracked
// instrument. The sweep walks the instrument set captured at sweep start,
// paced by its own limiter at half the endpoint budget so the lifecycle
// manager's catalog calls always have headroom.
type SnapshotService struct {
	depth   DepthSource
	tracked TrackedSource
	buffer  *collector.TickBuffer
	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight bool
}

// NewSnapshotService creates a new SnapshotService. endpointRPS is the
// endpoint-wide request budget; the sweep spends at most half of it.
func NewSnapshotService(depth DepthSource, tracked TrackedSource, buffer *collector.TickBuffer, endpointRPS int) *SnapshotService {
	return &SnapshotService{
		depth:   depth,
		tracked: tracked,
		buffer:  buffer,
		limiter: rate.NewLimiter(rate.Limit(float64(endpointRPS)/2), 1),
	}
}

// Sweep fetches one snapshot per tracked instrument. Overlapping sweeps
// are skipped: when the previous sweep is still draining through the rate
// limiter, starting another would only deepen the backlog.
func (s *SnapshotService) Sweep(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		zaplogger.Warn("depth sweep still running, skipping this cycle")
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	instruments := s.tracked.Tracked()
	if len(instruments) == 0 {
		return
	}

	started := time.Now()
	fetched, skipped, failed := 0, 0, 0

	for _, name := range instruments {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		snapshot, err := s.depth.FetchDepth(ctx, name, depthLevels)
		if err != nil {
			if errs.IsNotFound(err) {
				// expired between sweep start and this call; the next
				// reconciliation pass drops it
				skipped++
				continue
			}
			failed++
			zaplogger.Warn("depth fetch failed", zaplogger.Fields{
				"instrument": name,
				"error":      err.Error(),
			})
			continue
		}

		s.buffer.PushDepth(*snapshot)
		fetched++
	}

	zaplogger.Info("depth sweep complete", zaplogger.Fields{
		"instruments": len(instruments),
		"fetched":     fetched,
		"skipped":     skipped,
		"failed":      failed,
		"elapsed":     time.Since(started).String(),
	})
}
