package service

import (
	"context"
	"time"

	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

var PostgresChannel = "lifecycle_events"
var RedisChannel = "CH:COLLECTOR:LIFECYCLE"

// PublishService bridges the Postgres NOTIFY stream on lifecycle_events
// inserts to a Redis channel for dashboards.
type PublishService struct {
	redisClient *redis.Client
	pgConnStr   string
}

// NewPublishService creates a new PublishService
func NewPublishService(redisClient *redis.Client, pgConnStr string) *PublishService {
	return &PublishService{
		redisClient: redisClient,
		pgConnStr:   pgConnStr,
	}
}

// PublishLifecycleEvents listens for Postgres notifications and republishes
// each payload to Redis. Runs until ctx is cancelled.
func (s *PublishService) PublishLifecycleEvents(ctx context.Context) {
	listener := pq.NewListener(s.pgConnStr, 10*time.Second, time.Minute, nil)
	defer listener.Close()

	if err := listener.Listen(PostgresChannel); err != nil {
		zaplogger.Error("lifecycle listener failed to start", zaplogger.Fields{
			"channel": PostgresChannel,
			"error":   err.Error(),
		})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// nil means the driver reconnected
				continue
			}
			err := s.redisClient.Publish(ctx, RedisChannel, n.Extra).Err()
			if err != nil {
				zaplogger.Error("failed to publish lifecycle event to Redis", zaplogger.Fields{"error": err})
			}
		case <-time.After(90 * time.Second):
			go func() {
				err := listener.Ping()
				if err != nil {
					zaplogger.Error("error pinging PostgreSQL", zaplogger.Fields{"error": err})
				}
			}()
		}
	}
}
