// Package queue serializes work per sender: one bounded FIFO and at most one
// drain goroutine per key, with keys drained concurrently.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	logx "hikaribot/pkg/logx"
)

// DefaultCapacity bounds every sender queue.
const DefaultCapacity = 5

type EnqueueResult int

const (
	Queued EnqueueResult = iota
	DroppedFull
	DroppedDuplicate
	DroppedClosed
)

func (r EnqueueResult) String() string {
	switch r {
	case Queued:
		return "queued"
	case DroppedFull:
		return "dropped_full"
	case DroppedDuplicate:
		return "dropped_duplicate"
	case DroppedClosed:
		return "dropped_closed"
	default:
		return fmt.Sprintf("EnqueueResult(%d)", int(r))
	}
}

// ProcessFunc handles one dequeued item. Panics are recovered by the manager.
type ProcessFunc[T any] func(ctx context.Context, key string, item T)

type Options[T any] struct {
	// Capacity of each sender queue; <= 0 means DefaultCapacity.
	Capacity int
	// Same reports whether two pending items are equivalent. nil disables dedup.
	Same func(a, b T) bool
	// Describe renders an item for diagnostics.
	Describe func(item T) string
	Log      logx.Logger
}

type senderQueue[T any] struct {
	items    []T
	draining bool
}

// Manager owns the per-key queues and their drain loops.
type Manager[T any] struct {
	ctx     context.Context
	process ProcessFunc[T]
	opts    Options[T]
	log     logx.Logger

	mu     sync.Mutex
	queues map[string]*senderQueue[T]
	closed bool

	wg sync.WaitGroup
}

// New returns a manager whose drain loops run with ctx.
func New[T any](ctx context.Context, process ProcessFunc[T], opts Options[T]) *Manager[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager[T]{
		ctx:     ctx,
		process: process,
		opts:    opts,
		log:     log.With(logx.String("comp", "queue")),
		queues:  map[string]*senderQueue[T]{},
	}
}

// Enqueue appends item to key's queue and starts a drain loop if none runs.
// Full queues and duplicates drop the item; the caller never sees an error.
func (m *Manager[T]) Enqueue(key string, item T) EnqueueResult {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return DroppedClosed
	}
	q := m.queues[key]
	if q == nil {
		q = &senderQueue[T]{}
		m.queues[key] = q
	}
	if len(q.items) >= m.opts.Capacity {
		m.mu.Unlock()
		m.log.Debug("queue full; dropping", logx.String("sender", key), logx.String("item", m.describe(item)))
		return DroppedFull
	}
	if m.opts.Same != nil {
		for _, pending := range q.items {
			if m.opts.Same(pending, item) {
				m.mu.Unlock()
				m.log.Debug("duplicate pending; dropping", logx.String("sender", key), logx.String("item", m.describe(item)))
				return DroppedDuplicate
			}
		}
	}
	q.items = append(q.items, item)
	n := len(q.items)
	start := !q.draining
	if start {
		q.draining = true
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.log.Debug("enqueued", logx.String("sender", key), logx.String("item", m.describe(item)), logx.Int("len", n))
	if start {
		go m.drain(key)
	}
	return Queued
}

// drain processes key's queue until it is empty.
func (m *Manager[T]) drain(key string) {
	defer m.wg.Done()
	for {
		item, ok := m.pop(key)
		if !ok {
			return
		}
		m.runOne(key, item)
	}
}

// pop removes the head item. On an empty queue it clears the draining flag
// and forgets the key, all under the lock, so a concurrent Enqueue either
// sees draining=true before this or starts a fresh loop after.
func (m *Manager[T]) pop(key string) (T, bool) {
	var zero T
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	if q == nil {
		return zero, false
	}
	if len(q.items) == 0 {
		q.draining = false
		delete(m.queues, key)
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (m *Manager[T]) runOne(key string, item T) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("queue item panicked",
				logx.String("sender", key),
				logx.String("item", m.describe(item)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	m.process(m.ctx, key, item)
}

func (m *Manager[T]) describe(item T) string {
	if m.opts.Describe != nil {
		return m.opts.Describe(item)
	}
	return fmt.Sprintf("%v", item)
}

// KeyStatus is one sender's pending count.
type KeyStatus struct {
	Key      string `json:"key"`
	Count    int    `json:"count"`
	Draining bool   `json:"draining"`
}

// Status is a diagnostic snapshot.
type Status struct {
	TotalQueues int         `json:"total_queues"`
	Queues      []KeyStatus `json:"queues"`
}

func (m *Manager[T]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{TotalQueues: len(m.queues), Queues: make([]KeyStatus, 0, len(m.queues))}
	for k, q := range m.queues {
		st.Queues = append(st.Queues, KeyStatus{Key: k, Count: len(q.items), Draining: q.draining})
	}
	sort.Slice(st.Queues, func(i, j int) bool { return st.Queues[i].Key < st.Queues[j].Key })
	return st
}

// Lengths maps key -> pending items.
func (m *Manager[T]) Lengths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.queues))
	for k, q := range m.queues {
		out[k] = len(q.items)
	}
	return out
}

// Len is the pending count for key.
func (m *Manager[T]) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[key]; q != nil {
		return len(q.items)
	}
	return 0
}

// Close rejects new items and waits for running drain loops, or ctx.
func (m *Manager[T]) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
