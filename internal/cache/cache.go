package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"nuha.dev/trackserver/internal/event"
	"nuha.dev/trackserver/internal/geocode"
)

// Invalidator drops the cached replay artifacts of one time window after new
// fixes land in it.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

type Null struct{}

func (Null) Invalidate(ctx context.Context, key string) error {
	return nil
}

// Redis deletes the window key; the replay path repopulates it lazily.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// WindowKeys returns one replay key per UTC day the fixes touch.
func WindowKeys(trackerId uint64, fixes []geocode.Fix) []string {
	seen := map[string]bool{}
	var keys []string
	for _, f := range fixes {
		day := time.Unix(f.Time, 0).UTC().Format("20060102")
		key := fmt.Sprintf("replay:%d:%s", trackerId, day)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// Handler subscribes the invalidator to accepted-fix events. Failures are
// logged and dropped; a stale cache entry is recoverable, a blocked ingest
// path is not.
func Handler(inv Invalidator, logger log.Logger) bus.Handler {
	logger.Context = log.NewContext(nil).Str("module", "cache").Value()
	return bus.Handler{
		Matcher: event.TopicFixAccepted,
		Handle: func(ctx context.Context, e bus.Event) {
			fa, ok := e.Data.(event.FixAccepted)
			if !ok {
				return
			}
			for _, key := range WindowKeys(fa.TrackerId, fa.Fixes) {
				if err := inv.Invalidate(ctx, key); err != nil {
					logger.Error().Err(err).Str("key", key).Msg("cache invalidation failed")
				}
			}
		},
	}
}
