package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/majaostudio/classbooking/config"
	"github.com/majaostudio/classbooking/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache holds the per-negotiation transition locks and a short
// lived snapshot of each day's busy events so that repeated
// availability checks don't hammer the calendar API.
type RedisCache struct {
	client    *redis.Client
	eventsTTL time.Duration
}

func NewRedisCache(cfg config.RedisConfig, eventsTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:    redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		eventsTTL: eventsTTL,
	}
}

func (c *RedisCache) GetDayEvents(ctx context.Context, day string) ([]domain.BusyEvent, error) {
	data, err := c.client.Get(ctx, dayEventsKey(day)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var events []domain.BusyEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *RedisCache) SetDayEvents(ctx context.Context, day string, events []domain.BusyEvent) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, dayEventsKey(day), payload, c.eventsTTL).Err()
}

// InvalidateDay drops the cached snapshot after a calendar mutation so
// the next availability check reads fresh state.
func (c *RedisCache) InvalidateDay(ctx context.Context, day string) error {
	return c.client.Del(ctx, dayEventsKey(day)).Err()
}

// AcquireNegotiationLock serializes transitions on one negotiation.
// The TTL bounds how long a crashed holder can block the negotiation.
func (c *RedisCache) AcquireNegotiationLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, negotiationLockKey(id), "locked", ttl).Result()
}

func (c *RedisCache) ReleaseNegotiationLock(ctx context.Context, id string) error {
	return c.client.Del(ctx, negotiationLockKey(id)).Err()
}

func dayEventsKey(day string) string {
	return fmt.Sprintf("cache:events:%s", day)
}

func negotiationLockKey(id string) string {
	return fmt.Sprintf("lock:negotiation:%s", id)
}
