package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Store persists memory for the lifetime of one client session, keyed by session key.
type Store interface {
	Load(ctx context.Context, key string) (*Memory, bool, error)
	Save(ctx context.Context, key string, mem *Memory) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	StoreKindMemory = "memory"
	StoreKindSQLite = "sqlite"
	StoreKindRedis  = "redis"
)

type StoreSettings struct {
	Kind      string
	DSN       string
	RedisAddr string
	TTL       time.Duration
}

// OpenStore builds the store selected by settings.Kind.
func OpenStore(s StoreSettings) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case "", StoreKindMemory:
		return NewInMemoryStore(), nil
	case StoreKindSQLite:
		if s.DSN == "" {
			return nil, errors.New("memory store: sqlite requires a dsn")
		}
		return NewSQLiteStore(s.DSN)
	case StoreKindRedis:
		return NewRedisStore(s.RedisAddr, s.TTL)
	default:
		return nil, errors.Errorf("memory store: unknown kind %q", s.Kind)
	}
}

func encode(mem *Memory) ([]byte, error) {
	if mem == nil {
		return nil, errors.New("memory store: nil memory")
	}
	b, err := json.Marshal(mem)
	if err != nil {
		return nil, errors.Wrap(err, "memory store: encode")
	}
	return b, nil
}

func decode(b []byte) (*Memory, error) {
	var mem Memory
	if err := json.Unmarshal(b, &mem); err != nil {
		return nil, errors.Wrap(err, "memory store: decode")
	}
	return &mem, nil
}

// InMemoryStore keeps serialized memory for the lifetime of the process.
type InMemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: map[string][]byte{}}
}

func (s *InMemoryStore) Load(_ context.Context, key string) (*Memory, bool, error) {
	s.mu.Lock()
	b, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	mem, err := decode(b)
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func (s *InMemoryStore) Save(_ context.Context, key string, mem *Memory) error {
	if key == "" {
		return errors.New("in-memory memory store: key is empty")
	}
	b, err := encode(mem)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = b
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
