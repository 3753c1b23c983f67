package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// Replay is the recorded outcome of a request carrying an idempotency key.
// A zero Status means the first request is still in flight.
type Replay struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// InFlight reports whether the original request has not completed yet
func (r Replay) InFlight() bool {
	return r.Status == 0
}

// IdempotencyStore records responses by idempotency key
type IdempotencyStore interface {
	// Reserve claims key for ttl. When the key is already claimed it returns
	// the stored replay and false.
	Reserve(ctx context.Context, key string, ttl time.Duration) (Replay, bool, error)
	// Complete stores the final response for a reserved key
	Complete(ctx context.Context, key string, r Replay, ttl time.Duration) error
	// Release drops a reservation so the request can be retried
	Release(ctx context.Context, key string) error
}

// RedisIdempotencyStore shares idempotency state between instances
type RedisIdempotencyStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisIdempotencyStore creates a store on an existing Redis client
func NewRedisIdempotencyStore(client *redis.Client, keyPrefix string) *RedisIdempotencyStore {
	if keyPrefix == "" {
		keyPrefix = "dte:idempotency:"
	}
	return &RedisIdempotencyStore{client: client, keyPrefix: keyPrefix}
}

// Reserve uses SETNX so only one request wins the key
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (Replay, bool, error) {
	pending, _ := json.Marshal(Replay{})
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, pending, ttl).Result()
	if err != nil {
		return Replay{}, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return Replay{}, true, nil
	}

	raw, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Reserve(ctx, key, ttl)
	}
	if err != nil {
		return Replay{}, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var r Replay
	if err := json.Unmarshal(raw, &r); err != nil {
		return Replay{}, false, fmt.Errorf("corrupt idempotency entry: %w", err)
	}
	return r, false, nil
}

// Complete overwrites the reservation with the final response
func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, r Replay, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// Release deletes the reservation
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}

type replayEntry struct {
	replay    Replay
	expiresAt time.Time
}

// InMemoryIdempotencyStore keeps idempotency state in process
type InMemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]replayEntry
	now     func() time.Time
}

// NewInMemoryIdempotencyStore creates an empty in-process store
func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{
		entries: make(map[string]replayEntry),
		now:     time.Now,
	}
}

// Reserve claims key unless a live entry exists
func (s *InMemoryIdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (Replay, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	if e, ok := s.entries[key]; ok {
		return e.replay, false, nil
	}
	s.entries[key] = replayEntry{expiresAt: now.Add(ttl)}
	return Replay{}, true, nil
}

// Complete stores the final response
func (s *InMemoryIdempotencyStore) Complete(_ context.Context, key string, r Replay, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = replayEntry{replay: r, expiresAt: s.now().Add(ttl)}
	return nil
}

// Release drops the entry
func (s *InMemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Size returns the number of live entries
func (s *InMemoryIdempotencyStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.entries)
}

func (s *InMemoryIdempotencyStore) sweep(now time.Time) {
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}


// ProcessedEvents adapts an IdempotencyStore to remember handled events
type ProcessedEvents struct {
	store IdempotencyStore
}

// NewProcessedEvents creates a ProcessedEvents on store
func NewProcessedEvents(store IdempotencyStore) *ProcessedEvents {
	return &ProcessedEvents{store: store}
}

// MarkProcessed reserves key; only the first caller wins
func (p *ProcessedEvents) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, won, err := p.store.Reserve(ctx, "event:"+key, ttl)
	return won, err
}

var (
	_ IdempotencyStore           = (*RedisIdempotencyStore)(nil)
	_ IdempotencyStore           = (*InMemoryIdempotencyStore)(nil)
	_ shared.ProcessedEventStore = (*ProcessedEvents)(nil)
)
