package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"callflow/internal/call"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events on per-user pub/sub channels so other nodes
// (and the push-notification pipeline) can fan out to clients connected
// elsewhere. Delivery is best-effort; failures are logged, never retried.
type RedisSink struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisSink(rdb *redis.Client, log *slog.Logger) *RedisSink {
	if log == nil {
		log = slog.Default()
	}
	return &RedisSink{rdb: rdb, log: log}
}

// Channel returns the pub/sub channel carrying events for user.
func Channel(user string) string { return "call:events:" + user }

func (s *RedisSink) Deliver(ctx context.Context, ev call.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("event marshal failed", "event_id", ev.ID, "err", err)
		return
	}
	for _, user := range ev.Recipients {
		if err := s.rdb.Publish(ctx, Channel(user), payload).Err(); err != nil {
			s.log.Error("redis publish failed", "channel", Channel(user), "err", err)
		}
	}
}
