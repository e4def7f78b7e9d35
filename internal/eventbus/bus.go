// Package eventbus is an in-process, non-blocking pub/sub for lifecycle
// signals (task.*, firing.*). Slow subscribers lose events rather than
// stalling publishers.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type starts with one of prefixes (all
	// events when none are given). The returned func unsubscribes and closes ch.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// Memory is the default Bus.
type Memory struct {
	mu      sync.RWMutex
	subs    map[uint64]subscriber
	seq     uint64
	dropped atomic.Uint64
}

func New() *Memory {
	return &Memory{subs: map[uint64]subscriber{}}
}

func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Memory) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := subscriber{ch: make(chan Event, buffer), prefixes: prefixes}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }
