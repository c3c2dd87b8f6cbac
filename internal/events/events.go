// Package events carries the outbound event stream consumed by an external
// notifier. Text formatting is the notifier's problem; the bot only states
// what happened.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	SessionStateChanged Type = "sessionStateChanged"
	EntryBlocked        Type = "entryBlocked"
	EntryFilled         Type = "entryFilled"
	PositionClosed      Type = "positionClosed"
	DailySummary        Type = "dailySummary"
)

type Event struct {
	Type   Type           `json:"type"`
	Time   time.Time      `json:"time"`
	Market string         `json:"market,omitempty"`
	Symbol string         `json:"symbol,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind loses events rather than stalling the trading path.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}
