package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "OFFLINE-"
	redisBucketsKey = redisKeyPrefix + "buckets"
)

// RedisProvider stores each bucket as a Redis hash.
// The set of bucket names is kept in a separate set.
type RedisProvider struct {
	client *redis.Client
}

func NewRedisProvider(address, password string, db int) *RedisProvider {
	return &RedisProvider{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping checks that the server is reachable.
func (c *RedisProvider) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func redisBucketKey(bucket string) string {
	return redisKeyPrefix + "bucket-" + bucket
}

func (c *RedisProvider) Buckets(ctx context.Context) ([]string, error) {
	names, err := c.client.SMembers(ctx, redisBucketsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (c *RedisProvider) Create(ctx context.Context, bucket string) error {
	return c.client.SAdd(ctx, redisBucketsKey, bucket).Err()
}

func (c *RedisProvider) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	bytes, err := c.client.HGet(ctx, redisBucketKey(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (c *RedisProvider) Put(ctx context.Context, bucket, key string, bytes []byte) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redisBucketsKey, bucket)
		pipe.HSet(ctx, redisBucketKey(bucket), key, bytes)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Error writing to Redis: %w", err)
	}
	return nil
}

func (c *RedisProvider) Delete(ctx context.Context, bucket, key string) error {
	return c.client.HDel(ctx, redisBucketKey(bucket), key).Err()
}

func (c *RedisProvider) Keys(ctx context.Context, bucket string) ([]string, error) {
	keys, err := c.client.HKeys(ctx, redisBucketKey(bucket)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *RedisProvider) Drop(ctx context.Context, bucket string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisBucketKey(bucket))
		pipe.SRem(ctx, redisBucketsKey, bucket)
		return nil
	})
	return err
}

func (c *RedisProvider) Close() error {
	return c.client.Close()
}
