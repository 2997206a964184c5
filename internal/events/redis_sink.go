package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/workgraph/workgraph/internal/platform/logger"
)

// RedisSink mirrors bus events onto a Redis pub/sub channel so external
// observers (dashboards, other services) can follow task progress.
type RedisSink struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisSink(log *logger.Logger) (*RedisSink, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("EVENTS_CHANNEL"))
	if ch == "" {
		ch = "workgraph:events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisSink{
		log:     log.With("service", "RedisEventSink"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

// Run forwards bus events until ctx is done.
func (s *RedisSink) Run(ctx context.Context, bus Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := s.rdb.Publish(ctx, s.channel, raw).Err(); err != nil && ctx.Err() == nil {
				s.log.Warn("event publish failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
