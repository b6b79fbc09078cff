package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "clms:lock:"

// RedisStore keeps one key per resource whose value is the owner.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func lockKey(resource string) string {
	return keyPrefix + resource
}

func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if err := s.check(resource, owner); err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource)}, owner, ttlMillis(ttl)).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if err := s.check(resource, owner); err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)}, owner, ttlMillis(ttl)).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release deletes the key only while owner still holds it.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) error {
	if err := s.check(resource, owner); err != nil {
		return err
	}
	return s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Err()
}

// Owner returns the current holder of resource, or "".
func (s *RedisStore) Owner(ctx context.Context, resource string) (string, error) {
	owner, err := s.client.Get(ctx, lockKey(resource)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

func (s *RedisStore) check(resource, owner string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(owner) == "" {
		return fmt.Errorf("resource and owner required")
	}
	return nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return ttl.Milliseconds()
}

const acquireScript = `
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
