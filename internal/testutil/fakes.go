package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/auth-platform/rate-limiter-service/internal/broker"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// RecordingBroker records published messages and can be switched to fail.
type RecordingBroker struct {
	mu        sync.Mutex
	published []broker.Message
	fail      bool
	attempts  int
}

// NewRecordingBroker creates an empty recording broker.
func NewRecordingBroker() *RecordingBroker {
	return &RecordingBroker{}
}

// SetFail makes subsequent publishes fail or succeed.
func (b *RecordingBroker) SetFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

// Publish records msg or returns a broker error.
func (b *RecordingBroker) Publish(ctx context.Context, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.fail {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "publish failed", ErrInjected)
	}
	b.published = append(b.published, msg)
	return nil
}

// Subscribe blocks until ctx is done.
func (b *RecordingBroker) Subscribe(ctx context.Context, topic string, workers int, handler broker.Handler) error {
	<-ctx.Done()
	return nil
}

// Close does nothing.
func (b *RecordingBroker) Close() error { return nil }

// Healthy reports false while failing.
func (b *RecordingBroker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.fail
}

// Messages returns a copy of the published messages.
func (b *RecordingBroker) Messages() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.published...)
}

// Attempts returns how many publishes were attempted.
func (b *RecordingBroker) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// RecordingPublisher implements ratelimit.EventPublisher synchronously.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []ratelimit.Event
}

// Publish records event.
func (p *RecordingPublisher) Publish(event ratelimit.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns a copy of the recorded events.
func (p *RecordingPublisher) Events() []ratelimit.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ratelimit.Event(nil), p.events...)
}

// MemoryRepository is an in-memory ratelimit.PolicyRepository.
type MemoryRepository struct {
	mu       sync.Mutex
	policies map[string]ratelimit.Policy
	Err      error
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{policies: make(map[string]ratelimit.Policy)}
}

// Save upserts p.
func (r *MemoryRepository) Save(ctx context.Context, p *ratelimit.Policy) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	now := time.Now().UTC()
	p.UpdatedAt = now
	existing, ok := r.policies[p.APIKey]
	if ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	r.policies[p.APIKey] = *p
	return !ok, nil
}

// FindByAPIKey returns the stored policy or ErrNotFound.
func (r *MemoryRepository) FindByAPIKey(ctx context.Context, apiKey string) (*ratelimit.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	p, ok := r.policies[apiKey]
	if !ok {
		return nil, ratelimit.ErrNotFound
	}
	return &p, nil
}

// ExistsByAPIKey reports whether apiKey is stored.
func (r *MemoryRepository) ExistsByAPIKey(ctx context.Context, apiKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	_, ok := r.policies[apiKey]
	return ok, nil
}

// DeleteByAPIKey removes apiKey.
func (r *MemoryRepository) DeleteByAPIKey(ctx context.Context, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	delete(r.policies, apiKey)
	return nil
}

// Ping returns the injected error.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Err
}

// List pages policies newest first.
func (r *MemoryRepository) List(ctx context.Context, page, size int) ([]ratelimit.Policy, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, 0, r.Err
	}
	all := make([]ratelimit.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].APIKey < all[j].APIKey
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	start := page * size
	if start >= len(all) {
		return []ratelimit.Policy{}, int64(len(all)), nil
	}
	end := min(start+size, len(all))
	return all[start:end], int64(len(all)), nil
}

// StubCounterStore is an in-memory ratelimit.CounterStore with failure injection.
// Windows never expire on their own; use Reset.
type StubCounterStore struct {
	mu           sync.Mutex
	counts       map[string]int64
	ttls         map[string]int64
	evicted      []string
	Unhealthy    bool
	IncrementErr error
	PeekErr      error
	TTLErr       error
}

// NewStubCounterStore creates an empty healthy store.
func NewStubCounterStore() *StubCounterStore {
	return &StubCounterStore{
		counts: make(map[string]int64),
		ttls:   make(map[string]int64),
	}
}

// Increment bumps the counter, opening a window on first use.
func (s *StubCounterStore) Increment(ctx context.Context, apiKey string, windowSeconds, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IncrementErr != nil {
		return 0, s.IncrementErr
	}
	if _, ok := s.counts[apiKey]; !ok {
		s.ttls[apiKey] = int64(windowSeconds)
	}
	s.counts[apiKey]++
	return s.counts[apiKey], nil
}

// Peek returns the current count.
func (s *StubCounterStore) Peek(ctx context.Context, apiKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PeekErr != nil {
		return 0, s.PeekErr
	}
	return s.counts[apiKey], nil
}

// TTL returns the window length set at first increment, -2 when absent.
func (s *StubCounterStore) TTL(ctx context.Context, apiKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TTLErr != nil {
		return 0, s.TTLErr
	}
	ttl, ok := s.ttls[apiKey]
	if !ok {
		return -2, nil
	}
	return ttl, nil
}

// Evict drops the counter and records the key.
func (s *StubCounterStore) Evict(ctx context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, apiKey)
	delete(s.ttls, apiKey)
	s.evicted = append(s.evicted, apiKey)
	return nil
}

// Healthy reports the configured health.
func (s *StubCounterStore) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Unhealthy
}

// Reset simulates window expiry for apiKey.
func (s *StubCounterStore) Reset(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, apiKey)
	delete(s.ttls, apiKey)
}

// Evicted returns the keys passed to Evict.
func (s *StubCounterStore) Evicted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evicted...)
}

// MemoryConfigStore is an in-memory ratelimit.ConfigStore.
type MemoryConfigStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	GetErr  error
	SetErr  error
	DelErr  error
}

// NewMemoryConfigStore creates an empty store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{entries: make(map[string][]byte)}
}

// GetConfig returns the cached bytes or ErrNotFound.
func (s *MemoryConfigStore) GetConfig(ctx context.Context, apiKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	v, ok := s.entries[apiKey]
	if !ok {
		return nil, ratelimit.ErrNotFound
	}
	return v, nil
}

// SetConfig stores value, ignoring ttl.
func (s *MemoryConfigStore) SetConfig(ctx context.Context, apiKey string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	s.entries[apiKey] = value
	return nil
}

// DeleteConfig removes the cached entry.
func (s *MemoryConfigStore) DeleteConfig(ctx context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DelErr != nil {
		return s.DelErr
	}
	delete(s.entries, apiKey)
	return nil
}

// Has reports whether an entry is cached for apiKey.
func (s *MemoryConfigStore) Has(apiKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[apiKey]
	return ok
}

// MemoryDedupStore is an in-memory ratelimit.DedupStore.
type MemoryDedupStore struct {
	mu      sync.Mutex
	markers map[string]bool
	Err     error
}

// NewMemoryDedupStore creates an empty store.
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{markers: make(map[string]bool)}
}

// Acquire sets the marker if absent.
func (s *MemoryDedupStore) Acquire(ctx context.Context, msgID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if s.markers[msgID] {
		return false, nil
	}
	s.markers[msgID] = true
	return true, nil
}

// Release removes the marker.
func (s *MemoryDedupStore) Release(ctx context.Context, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.markers, msgID)
	return nil
}

// Has reports whether a marker is set for msgID.
func (s *MemoryDedupStore) Has(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[msgID]
}
