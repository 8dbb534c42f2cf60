package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultHistorySize bounds the in-memory event history.
const DefaultHistorySize = 1000

// Handler reacts to one event. A returned error (or a panic) is reported as
// a SystemError event sourced from the subscriber's owner module.
type Handler func(ctx context.Context, evt Event) error

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	owner   Module
	handler Handler
}

// Bus is a typed publish/subscribe hub with bounded history.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscription
	nextID atomic.Uint64

	histMu     sync.Mutex
	history    []Event
	maxHistory int

	now      func() time.Time
	observer func(Event)
	log      logrus.FieldLogger
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithObserver registers a callback invoked synchronously for every
// published event before handlers run.
func WithObserver(fn func(Event)) Option {
	return func(b *Bus) { b.observer = fn }
}

// NewBus creates an empty bus.
func NewBus(log logrus.FieldLogger, opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[Type][]subscription),
		maxHistory: DefaultHistorySize,
		now:        time.Now,
		log:        log.WithField("module", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events of type t on behalf of owner.
func (b *Bus) Subscribe(t Type, owner Module, handler Handler) SubscriptionID {
	id := SubscriptionID(b.nextID.Add(1))
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], subscription{id: id, owner: owner, handler: handler})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Returns false if it was not found.
func (b *Bus) Unsubscribe(t Type, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = slices.Delete(slices.Clone(subs), i, i+1)
			return true
		}
	}
	return false
}

// Subscribers returns the number of handlers registered for t.
func (b *Bus) Subscribers(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Emit stamps and publishes an event for a fixture.
func (b *Bus) Emit(ctx context.Context, t Type, source Module, fixtureID string, data any) {
	evt := Event{Type: t, Source: source, Data: data}
	if fixtureID != "" {
		evt.CorrelationID = CorrelationFor(fixtureID)
	}
	b.Publish(ctx, evt)
}

// Publish records the event and delivers it to every subscriber of its
// type concurrently, returning once all handlers have finished. Handler
// failures never reach the publisher.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = fmt.Sprintf("%s_%s", evt.Type, uuid.NewString())
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	b.record(evt)
	if b.observer != nil {
		b.observer(evt)
	}

	b.mu.RLock()
	subs := slices.Clone(b.subs[evt.Type])
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	type failure struct {
		owner Module
		err   error
	}
	failures := make(chan failure, len(subs))
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := invoke(ctx, s.handler, evt); err != nil {
				failures <- failure{owner: s.owner, err: err}
			}
		}()
	}
	wg.Wait()
	close(failures)

	for f := range failures {
		entry := b.log.WithError(f.err).WithFields(logrus.Fields{
			"event":    evt.Type,
			"event_id": evt.ID,
			"owner":    f.owner,
		})
		if evt.Type == SystemError {
			// Never feed a failing error handler back into itself.
			entry.Error("System error handler failed")
			continue
		}
		entry.Warn("Event handler failed")
		b.Publish(ctx, Event{
			Type:          SystemError,
			Source:        f.owner,
			CorrelationID: evt.CorrelationID,
			Data: SystemErrorData{
				Module:    f.owner,
				FixtureID: fixtureOf(evt),
				Trigger:   evt.Type,
				Error:     f.err.Error(),
			},
		})
	}
}

func invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, evt)
}

func fixtureOf(evt Event) string {
	id, ok := strings.CutPrefix(evt.CorrelationID, "fixture:")
	if !ok {
		return ""
	}
	return id
}

func (b *Bus) record(evt Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, evt)
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.history = slices.Delete(b.history, 0, over)
	}
}

// History returns up to limit recorded events, newest first. An empty type
// matches every event; a non-positive limit returns everything retained.
func (b *Bus) History(t Type, limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var out []Event
	for i := len(b.history) - 1; i >= 0; i-- {
		evt := b.history[i]
		if t != "" && evt.Type != t {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ClearHistory drops every recorded event.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	b.history = nil
	b.histMu.Unlock()
}

// Stats summarises the retained history.
type Stats struct {
	Total          int          `json:"total_events"`
	ByType         map[Type]int `json:"events_by_type"`
	LastHour       int          `json:"recent_events"`
	ErrorsLastHour int          `json:"recent_errors"`
	Subscriptions  int          `json:"subscriptions"`
}

// Stats returns counts over the retained history relative to now.
func (b *Bus) Stats(now time.Time) Stats {
	stats := Stats{ByType: make(map[Type]int)}
	hourAgo := now.Add(-time.Hour)

	b.histMu.Lock()
	for _, evt := range b.history {
		stats.Total++
		stats.ByType[evt.Type]++
		if evt.Timestamp.After(hourAgo) {
			stats.LastHour++
			if evt.Type == SystemError {
				stats.ErrorsLastHour++
			}
		}
	}
	b.histMu.Unlock()

	b.mu.RLock()
	for _, subs := range b.subs {
		stats.Subscriptions += len(subs)
	}
	b.mu.RUnlock()
	return stats
}
