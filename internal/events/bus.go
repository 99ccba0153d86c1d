package events

import (
	"sync"
	"time"
)

type subscription struct {
	ch     chan TradeEvent
	topics map[Event]bool // nil means all
}

// Bus is a lightweight pub/sub broker using channels. A nil *Bus drops
// everything, so components can run without one.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for the given types (all types when none are
// given) and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int, types ...Event) (<-chan TradeEvent, func()) {
	sub := &subscription{ch: make(chan TradeEvent, buffer)}
	if len(types) > 0 {
		sub.topics = make(map[Event]bool, len(types))
		for _, t := range types {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					close(s.ch)
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
	return sub.ch, unsub
}

// Publish fans the event out without blocking; slow subscribers miss events.
func (b *Bus) Publish(ev TradeEvent) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.topics != nil && !s.topics[ev.Type] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
