package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// LeaseStore is a shared key-value store with atomic lease primitives.
// A ttl of zero means the key never expires.
type LeaseStore interface {
	// Take sets key to token if the key is absent.
	Take(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Extend resets the ttl of key if it still holds token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key if it still holds token.
	Release(ctx context.Context, key, token string) (bool, error)
	// Query returns the current value of key and whether it exists.
	Query(ctx context.Context, key string) (string, bool, error)
	// Connected reports whether the last round trip succeeded.
	Connected() bool
	Close() error
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    if tonumber(ARGV[2]) > 0 then
        return redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return redis.call("PERSIST", KEYS[1]) + 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements LeaseStore on a go-redis client.
type RedisStore struct {
	client  redis.UniversalClient
	healthy atomic.Bool
}

// NewRedisStore wraps client. The client is closed by Close.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	s := &RedisStore{client: client}
	s.healthy.Store(true)
	return s
}

func (s *RedisStore) Take(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	return ok, s.observe(err)
}

func (s *RedisStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err := s.observe(err); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err := s.observe(err); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Query(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.healthy.Store(true)
		return "", false, nil
	}
	if err := s.observe(err); err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Connected() bool { return s.healthy.Load() }

func (s *RedisStore) Close() error {
	s.healthy.Store(false)
	return s.client.Close()
}

// observe tracks connection health. Context errors say nothing about the
// connection and are not counted.
func (s *RedisStore) observe(err error) error {
	switch {
	case err == nil:
		s.healthy.Store(true)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		s.healthy.Store(false)
	}
	return err
}
