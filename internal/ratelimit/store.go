// Package ratelimit holds the expiring key/value maps behind command cooldowns
// and daily usage counters.
//
// State is in-memory only and does not survive restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time // zero means no expiry
}

// Store is an expiring map. Expired entries are evicted lazily on access and
// actively by Sweep (see Run).
type Store[V any] struct {
	mu   sync.Mutex
	data map[string]entry[V]
	now  func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[V any](opts ...Option) *Store[V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Store[V]{data: map[string]entry[V]{}, now: o.now}
}

// Key builds the canonical sender:plugin key.
func Key(senderKey, pluginName string) string {
	return senderKey + ":" + pluginName
}

func (s *Store[V]) getLocked(key string, now time.Time) (entry[V], bool) {
	e, ok := s.data[key]
	if !ok {
		return e, false
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		delete(s.data, key)
		return e, false
	}
	return e, true
}

// Get returns the live value for key.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key, s.now())
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value with a fresh ttl. ttl <= 0 stores without expiry.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.data[key] = e
}

// Update runs fn on the current value and stores the result atomically for key.
// A new entry gets ttl; an existing live entry keeps its original expiry.
// If fn returns keep=false nothing is written.
func (s *Store[V]) Update(key string, ttl time.Duration, fn func(cur V, exists bool) (next V, keep bool)) V {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.getLocked(key, now)
	next, keep := fn(e.value, ok)
	if !keep {
		return next
	}
	if !ok {
		e = entry[V]{}
		if ttl > 0 {
			e.expires = now.Add(ttl)
		}
	}
	e.value = next
	s.data[key] = e
	return next
}

// TTLRemaining returns the time left before key expires. ok is false for a
// missing or expired key; a key without expiry reports (0, true).
func (s *Store[V]) TTLRemaining(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.getLocked(key, now)
	if !ok {
		return 0, false
	}
	if e.expires.IsZero() {
		return 0, true
	}
	return e.expires.Sub(now), true
}

func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Sweep drops every expired entry and returns how many were removed.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.data {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Store[V]) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
