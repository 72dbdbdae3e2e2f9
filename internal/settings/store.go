package settings

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when a key has never been set.
var ErrNotFound = fmt.Errorf("settings: key not found")

// Store is the persisted-settings surface. OnChange observers fire for
// every local Set, after the value is durably written.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	OnChange(fn func(key, value string))
}

// RedisStore keeps settings in redis under a fixed prefix.
type RedisStore struct {
	rdb *redis.Client

	mu        sync.Mutex
	observers []func(key, value string)
}

func NewRedisStore(addr string) *RedisStore {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}

	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	log.Printf("[Settings] Storing %s", s.key(key))
	if err := s.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return err
	}
	s.fire(key, value)
	return nil
}

func (s *RedisStore) OnChange(fn func(key, value string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("settings:%s", key)
}

func (s *RedisStore) fire(key, value string) {
	s.mu.Lock()
	observers := make([]func(string, string), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(key, value)
	}
}

// MemoryStore is the in-process Store used by tests and by the binary
// when no redis address is configured.
type MemoryStore struct {
	mu        sync.Mutex
	values    map[string]string
	observers []func(key, value string)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	observers := make([]func(string, string), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(key, value)
	}
	return nil
}

func (s *MemoryStore) OnChange(fn func(key, value string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}
