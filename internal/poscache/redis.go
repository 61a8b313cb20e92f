package poscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"planboard/internal/domain"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis shares pending positions between service instances. Expiry is
// delegated to the key TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("position cache ttl must be positive")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (r *Redis) key(taskID string) string {
	return r.prefix + taskID
}

func (r *Redis) Put(ctx context.Context, taskID string, pos domain.Position) error {
	data, err := json.Marshal(entry{Position: pos, SavedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(taskID), data, r.ttl).Err()
}

func (r *Redis) Get(ctx context.Context, taskID string) (domain.Position, bool, error) {
	data, err := r.client.Get(ctx, r.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Position{}, false, nil
	}
	if err != nil {
		return domain.Position{}, false, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// An unreadable entry is as good as none; drop it.
		_ = r.client.Del(ctx, r.key(taskID)).Err()
		return domain.Position{}, false, nil
	}
	return e.Position, true, nil
}

func (r *Redis) Delete(ctx context.Context, taskID string) error {
	return r.client.Del(ctx, r.key(taskID)).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
