package memory

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "voxtalk:memory:"
	DefaultRedisTTL = 2 * time.Hour
)

// RedisStore scopes memory to a session by expiring keys after ttl of inactivity.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = &RedisStore{}

func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis memory store: empty addr")
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr}), ttl: ttl}, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Memory, bool, error) {
	b, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis memory store: load")
	}
	mem, err := decode(b)
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, mem *Memory) error {
	if key == "" {
		return errors.New("redis memory store: key is empty")
	}
	b, err := encode(mem)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, b, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis memory store: save")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "redis memory store: delete")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
