package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

// createIfAbsent sets every KEYS[i] to ARGV[i] unless KEYS[1] already exists.
// Returns {created, value of KEYS[1]}.
var createIfAbsentScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
for i = 1, #KEYS do
  redis.call('SET', KEYS[i], ARGV[i])
end
return {1, ARGV[1]}
`)

// Moves the status field of a hash forward only. ARGV[1] is the new status,
// the rest are field/value pairs written with it.
var forwardStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
local rank = {pending=0, running=1, succeeded=2, failed=2}
local cr = rank[cur]
local nr = rank[ARGV[1]]
if cr == nil or nr == nil or nr <= cr then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var casStatusScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var updateExistingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var createHashScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var appendOutputScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local out = redis.call('HGET', KEYS[1], 'output')
if out and out ~= '' then
  out = out .. '\n' .. ARGV[1]
else
  out = ARGV[1]
end
redis.call('HSET', KEYS[1], 'output', out)
return 1
`)

var setCurrentIfSucceededScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'succeeded' then
  return 0
end
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

type Store struct {
	client *redis.Client
	now    func() time.Time
}

func NewStore(addr, password string) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     64,
		MinIdleConns: 8,
	})
	return NewStoreWithClient(client)
}

func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fberrors.Wrap(fberrors.FBStoreUnavailable, "redis ping failed", err)
	}
	return nil
}

func (s *Store) RawClient() *redis.Client {
	return s.client
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

// createIfAbsent runs the create-if-absent script and returns the stored
// value of the first key and whether this call created it.
func (s *Store) createIfAbsent(ctx context.Context, keys []string, values []any) (string, bool, error) {
	res, err := createIfAbsentScript.Run(ctx, s.client, keys, values...).Slice()
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected upsert reply of length %d", len(res))
	}
	created, _ := res[0].(int64)
	value, _ := res[1].(string)
	return value, created == 1, nil
}

func (s *Store) updateExisting(ctx context.Context, key string, pairs ...any) (bool, error) {
	res, err := updateExistingScript.Run(ctx, s.client, []string{key}, pairs...).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) getOid(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) TryAcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) GetLeaseValue(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

func (s *Store) ExtendLease(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func readErr(err error, resource string) error {
	if errors.Is(err, redis.Nil) {
		return fberrors.NotFound(resource)
	}
	return fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to read "+resource, err)
}

func writeErr(err error, resource string) error {
	return fberrors.Wrap(fberrors.FBStoreWriteFailed, "failed to write "+resource, err)
}

func optionalOid(v string) *int64 {
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseInt(v string) int64 {
	parsed, _ := strconv.ParseInt(v, 10, 64)
	return parsed
}

func ParseCursor(v string) int64 {
	if v == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func EncodeCursor(v int64) string {
	if v < 0 {
		v = 0
	}
	return fmt.Sprintf("%d", v)
}
