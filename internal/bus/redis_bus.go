package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/dalston/internal/platform/envutil"
	"github.com/yungbote/dalston/internal/platform/logger"
)

const engineSetKey = "engines"

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus dials Redis using REDIS_ADDR/REDIS_CHANNEL, shaped after the
// realtime package's redisBus and extended with the list/hash/set
// operations the engine registry and session router need.
func NewRedisBus(log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := envutil.String("REDIS_CHANNEL", "events")

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

	return &redisBus{
		log:     log.With("service", "RedisBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					b.log.Warn("bad bus event payload", "error", err)
					continue
				}
				onEvent(evt)
			}
		}
	}()
	return nil
}

func queueKey(engineID string) string { return fmt.Sprintf("queue:%s", engineID) }
func engineKey(engineID string) string { return fmt.Sprintf("engine:%s", engineID) }

func (b *redisBus) Enqueue(ctx context.Context, engineID string, payload []byte) error {
	return b.rdb.RPush(ctx, queueKey(engineID), payload).Err()
}

func (b *redisBus) Dequeue(ctx context.Context, engineID string, timeout time.Duration) ([]byte, bool, error) {
	res, err := b.rdb.BLPop(ctx, timeout, queueKey(engineID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

// ScanAndRemove reads the whole queue (lists are kept short — one engine's
// pending backlog, not a durable log) and LRem's the first entry the
// predicate accepts, identified by its exact value so concurrent pushes
// elsewhere in the list are left untouched.
func (b *redisBus) ScanAndRemove(ctx context.Context, engineID string, match func(payload []byte) bool) (bool, error) {
	entries, err := b.rdb.LRange(ctx, queueKey(engineID), 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if match([]byte(entry)) {
			if err := b.rdb.LRem(ctx, queueKey(engineID), 1, entry).Err(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (b *redisBus) QueueLen(ctx context.Context, engineID string) (int64, error) {
	return b.rdb.LLen(ctx, queueKey(engineID)).Result()
}

func (b *redisBus) RegisterEngine(ctx context.Context, engineID string, fields map[string]string, ttl time.Duration) error {
	key := engineKey(engineID)
	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, engineSetKey, engineID)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, toAnyMap(fields))
	}
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// HeartbeatEngine refreshes the TTL and updates fields, but only if the
// record still exists — a heartbeat against an expired/missing record fails
// silently, signalled by the bool return, and the caller must re-register.
func (b *redisBus) HeartbeatEngine(ctx context.Context, engineID string, fields map[string]string, ttl time.Duration) (bool, error) {
	key := engineKey(engineID)
	exists, err := b.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	pipe := b.rdb.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, key, toAnyMap(fields))
	}
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (b *redisBus) UnregisterEngine(ctx context.Context, engineID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, engineSetKey, engineID)
	pipe.Del(ctx, engineKey(engineID))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *redisBus) GetEngine(ctx context.Context, engineID string) (map[string]string, bool, error) {
	return b.GetHash(ctx, engineKey(engineID))
}

func (b *redisBus) ListEngines(ctx context.Context) ([]string, error) {
	return b.rdb.SMembers(ctx, engineSetKey).Result()
}

func (b *redisBus) SetHash(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return b.rdb.HSet(ctx, key, toAnyMap(fields)).Err()
}

func (b *redisBus) GetHash(ctx context.Context, key string) (map[string]string, bool, error) {
	res, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}
	if len(res) == 0 {
		return nil, false, nil
	}
	return res, true, nil
}

func (b *redisBus) DeleteHash(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}

func toAnyMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
