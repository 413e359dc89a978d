// Package redis implements the rate-window counter store on Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/usagegate/usagegate/internal/core/ports"
)

type Storage struct {
	client *redis.Client
}

var _ ports.WindowStore = (*Storage)(nil)

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) (*Storage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Storage{client: client}, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

// Incr bumps the window counter in a single transactional pipeline. The
// expiry is set only when the key has no TTL yet (NX), so the window start
// is fixed by whichever concurrent caller created the key; PTTL then yields
// the reset instant for everyone.
func (s *Storage) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	pipe := s.client.TxPipeline()
	counter := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	remaining := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	left := remaining.Val()
	if left < 0 {
		// Key lost its TTL somehow; treat the full window as remaining
		// rather than returning a reset in the past.
		left = ttl
	}
	return counter.Val(), time.Now().Add(left), nil
}
