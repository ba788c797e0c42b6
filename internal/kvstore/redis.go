package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOpts struct {
	Addr, Password, Namespace string
	DB                        int
	Timeout                   time.Duration
}

// RedisStore maps keys into a namespace and uses SETNX for SetIfAbsent.
type RedisStore struct {
	rdb      *redis.Client
	nsPrefix string
}

func NewRedisStore(o RedisOpts) *RedisStore {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	ns := o.Namespace
	if ns == "" {
		ns = "relay"
	}
	return &RedisStore{rdb: rdb, nsPrefix: ns}
}

func (r *RedisStore) key(k string) string {
	return r.nsPrefix + ":" + k
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(key), value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
