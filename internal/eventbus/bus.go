// Package eventbus fans out small in-process notifications about dispatch
// activity (command outcomes, reloads, settings changes).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	CommandExecuted = "command.executed"
	CommandFailed   = "command.failed"
	CommandDenied   = "command.denied"
	PluginsReloaded = "plugins.reloaded"
	SettingsChanged = "settings.changed"
)

// Event is published without blocking. Subscribers that fall behind lose events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// CommandOutcome is the Data of command.* events.
type CommandOutcome struct {
	ReqID    string
	Sender   string
	ChatID   int64
	Plugin   string
	Command  string
	Check    string // command.denied only
	Err      string
	Duration time.Duration
}

// ReloadOutcome is the Data of plugins.reloaded.
type ReloadOutcome struct {
	Plugins  int
	Tasks    []string
	Err      string
	Duration time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]bool // nil = everything
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe delivers events of the given types, or all events when none are given.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
