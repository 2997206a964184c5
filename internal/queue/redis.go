package queue

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

// redisQueue keeps immediately-runnable envelopes in a list and delayed ones
// in a sorted set scored by their not-before time. A promoter loop moves
// due members from the set to the list; ZRem arbitrates when several workers
// race over the same member.
type redisQueue struct {
	log        *logger.Logger
	rdb        *goredis.Client
	readyKey   string
	delayedKey string

	cancelPromoter context.CancelFunc
	promoterDone   chan struct{}
}

func NewRedisQueue(log *logger.Logger) (Queue, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	name := strings.TrimSpace(os.Getenv("TASK_QUEUE_NAME"))
	if name == "" {
		name = "workgraph:tasks"
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

	promoterCtx, cancelPromoter := context.WithCancel(context.Background())
	q := &redisQueue{
		log:            log.With("service", "RedisTaskQueue"),
		rdb:            rdb,
		readyKey:       name + ":ready",
		delayedKey:     name + ":delayed",
		cancelPromoter: cancelPromoter,
		promoterDone:   make(chan struct{}),
	}
	go q.promote(promoterCtx)
	return q, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, env Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if !env.NotBefore.IsZero() && env.NotBefore.After(time.Now()) {
		return q.rdb.ZAdd(ctx, q.delayedKey, goredis.Z{
			Score:  float64(env.NotBefore.UnixMilli()),
			Member: raw,
		}).Err()
	}
	return q.rdb.LPush(ctx, q.readyKey, raw).Err()
}

func (q *redisQueue) Dequeue(ctx context.Context) (*Envelope, error) {
	for {
		res, err := q.rdb.BRPop(ctx, time.Second, q.readyKey).Result()
		if err == goredis.Nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis brpop: %w", err)
		}
		// res[0] is the key, res[1] the payload
		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			q.log.Warn("dropping malformed envelope", "error", err)
			continue
		}
		return &env, nil
	}
}

func (q *redisQueue) promote(ctx context.Context) {
	defer close(q.promoterDone)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *redisQueue) promoteDue(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey, &goredis.ZRangeBy{
		Min: "-inf", Max: now, Count: 128,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warn("promote scan failed", "error", err)
		}
		return
	}
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey, m).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.readyKey, m).Err(); err != nil {
			q.log.Warn("promote push failed", "error", err)
		}
	}
}

func (q *redisQueue) Close() error {
	q.cancelPromoter()
	<-q.promoterDone
	return q.rdb.Close()
}
