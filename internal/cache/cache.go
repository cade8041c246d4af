// Package cache provides the optional read-through cache for point reads:
// a TTL'd in-memory LRU and a redis backend behind one interface, selected
// by configuration.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cache stores encoded records keyed by (symbol, timestamp). Implementations
// are safe for concurrent use. Failures are absorbed: a cache that cannot
// answer behaves like a miss.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Invalidate(key string)
	Close() error
}

// Key builds the cache key for one record identity.
func Key(symbol string, ts int64) string {
	return fmt.Sprintf("rec:%s:%d", symbol, ts)
}

// Config selects and sizes a cache backend.
type Config struct {
	Backend    string        `yaml:"backend"` // "", "memory" or "redis"; empty disables caching
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"` // memory backend only
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
}

// DefaultTTL applies when Config.TTL is zero.
const DefaultTTL = 5 * time.Second

// DefaultMaxEntries applies when Config.MaxEntries is zero.
const DefaultMaxEntries = 65536

// New builds the configured backend. An empty backend returns (nil, nil):
// caching disabled.
func New(cfg Config, logger zerolog.Logger) (Cache, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "memory":
		return NewMemory(cfg, logger), nil
	case "redis":
		return NewRedis(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Memory is the LRU + TTL in-memory backend.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent
	max     int
	ttl     time.Duration
	log     zerolog.Logger
}

// NewMemory builds the in-memory backend.
func NewMemory(cfg Config, logger zerolog.Logger) *Memory {
	max := cfg.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		max:     max,
		ttl:     ttl,
		log:     logger.With().Str("component", "cache").Str("backend", "memory").Logger(),
	}
}

func (c *Memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return entry.value, true
}

func (c *Memory) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(el)
		return
	}
	if c.lru.Len() >= c.max {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	c.entries[key] = c.lru.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

func (c *Memory) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.lru.Remove(el)
		delete(c.entries, key)
	}
}

func (c *Memory) Close() error {
	return nil
}
