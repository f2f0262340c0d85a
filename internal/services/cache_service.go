package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"broker-api/internal/config"
	"broker-api/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

type CacheService interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
	Ping(ctx context.Context) error
}

type RedisCacheService struct {
	client *redis.Client
}

func NewRedisCacheService(cfg *config.CacheConfig) (*RedisCacheService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrCacheError, fmt.Sprintf("failed to connect to Redis: %v", err))
	}

	return &RedisCacheService{client: client}, nil
}

// NewRedisCacheServiceFromClient wraps an already connected client.
func NewRedisCacheServiceFromClient(client *redis.Client) *RedisCacheService {
	return &RedisCacheService{client: client}
}

func (c *RedisCacheService) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrCacheError, err.Error())
	}
	return value, nil
}

// Set stores value as JSON.
func (c *RedisCacheService) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %v", err)
	}
	if err := c.client.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return errors.Wrap(errors.ErrCacheError, err.Error())
	}
	return nil
}

// DeleteByPattern removes every key matching pattern.
func (c *RedisCacheService) DeleteByPattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.Wrap(errors.ErrCacheError, err.Error())
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(errors.ErrCacheError, err.Error())
	}
	return nil
}

func (c *RedisCacheService) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCacheService) Close() error {
	return c.client.Close()
}
