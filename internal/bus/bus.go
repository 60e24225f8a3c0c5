// Package bus implements the in-process publish/subscribe dispatcher that
// every relay component communicates through. Delivery is fire-and-forget:
// Publish snapshots the subscriber list, schedules one invocation per
// subscriber, and returns without waiting. Invocations of the same
// subscription are delivered in publish order, and a failing subscriber
// never affects delivery to the others.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is an ephemeral in-memory message. The dispatcher never persists
// events; durable recording happens through the audit ingestion channel.
type Event struct {
	// ID is unique per publish and exists for log correlation only.
	ID        string
	Name      string
	Payload   any
	EmittedAt time.Time
}

// Handler consumes one event. A returned error or a panic is a handler
// fault: counted and logged by the dispatcher, never propagated to the
// publisher or to other subscribers.
type Handler func(ctx context.Context, ev Event) error

// Config controls dispatcher behavior.
type Config struct {
	// HandlerTimeout bounds a single handler invocation. An invocation
	// that runs past the ceiling is counted as failed but not
	// interrupted; cancellation is cooperative through the handler's
	// context. Zero disables the ceiling.
	HandlerTimeout time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: 5 * time.Second,
	}
}

// subscription is owned by the registry; callers hold only the
// deregistration closure returned by Subscribe. tail is the settle
// channel of the most recently scheduled invocation for this
// subscription: chaining on it keeps delivery FIFO per subscription
// without holding any lock while handlers run.
type subscription struct {
	id      uint64
	name    string
	fn      Handler
	once    bool
	claimed bool // once-registrations: set by the publish that fires them
	tail    chan struct{}
}

// Bus is the dispatcher. Construct with New; the zero value is not usable.
// All methods are safe for concurrent use.
type Bus struct {
	timeout atomic.Int64 // handler ceiling in nanoseconds, 0 = none
	errs    atomic.Uint64

	mu      sync.Mutex
	subs    map[string][]*subscription
	nextID  uint64
	pending int           // scheduled but not yet settled invocations
	idle    chan struct{} // closed exactly while pending == 0
	closed  bool
}

// New returns a ready dispatcher.
func New(cfg Config) *Bus {
	idle := make(chan struct{})
	close(idle)
	b := &Bus{
		subs: make(map[string][]*subscription),
		idle: idle,
	}
	b.timeout.Store(int64(cfg.HandlerTimeout))
	return b
}

// Subscribe registers h for name and returns its deregistration function.
// The returned function removes exactly this registration and is
// idempotent. Subscribers of a name are scheduled in registration order.
func (b *Bus) Subscribe(name string, h Handler) (func(), error) {
	return b.subscribe(name, h, false)
}

// SubscribeOnce registers h for a single delivery. The registration is
// claimed and removed before the handler runs, so a publish re-entered
// from inside the handler cannot fire it a second time.
func (b *Bus) SubscribeOnce(name string, h Handler) (func(), error) {
	return b.subscribe(name, h, true)
}

func (b *Bus) subscribe(name string, h Handler, once bool) (func(), error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	tail := make(chan struct{})
	close(tail) // the first invocation has nothing to wait for
	s := &subscription{name: name, fn: h, once: once, tail: tail}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	s.id = b.nextID
	b.subs[name] = append(b.subs[name], s)

	id := s.id
	return func() { b.removeByID(name, id) }, nil
}

// Unsubscribe removes the first registration for name whose handler is h,
// matched by the function's code pointer. Distinct closures built at the
// same source location share a code pointer, so callers that register the
// same function body more than once should prefer the deregistration
// function returned by Subscribe. No-op when nothing matches.
func (b *Bus) Unsubscribe(name string, h Handler) {
	if h == nil {
		return
	}
	ptr := reflect.ValueOf(h).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs[name] {
		if reflect.ValueOf(s.fn).Pointer() == ptr {
			b.removeAtLocked(name, i)
			return
		}
	}
}

func (b *Bus) removeByID(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs[name] {
		if s.id == id {
			b.removeAtLocked(name, i)
			return
		}
	}
}

// removeAtLocked drops the i-th registration for name. The three-index
// slice forces append to reallocate instead of writing into a backing
// array a concurrent fan-out may still be reading.
func (b *Bus) removeAtLocked(name string, i int) {
	list := b.subs[name]
	list = append(list[:i:i], list[i+1:]...)
	if len(list) == 0 {
		delete(b.subs, name)
		return
	}
	b.subs[name] = list
}

// Publish delivers payload to every current subscriber of name. The
// subscriber list is snapshotted first: registrations added or removed
// while handlers run do not affect this fan-out. Publish schedules the
// invocations and returns immediately; it never blocks on handler
// execution, never returns an error, and never panics.
func (b *Bus) Publish(name string, payload any) {
	if name == "" {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	list := b.subs[name]
	if len(list) == 0 {
		return
	}
	fired := make([]*subscription, 0, len(list))
	removedOnce := false
	for _, s := range list {
		if s.once {
			if s.claimed {
				continue
			}
			s.claimed = true
			removedOnce = true
		}
		fired = append(fired, s)
	}
	if removedOnce {
		// Once-registrations leave the registry before their handler
		// runs; a re-entrant publish cannot schedule them again.
		kept := make([]*subscription, 0, len(list))
		for _, s := range list {
			if s.once && s.claimed {
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.subs, name)
		} else {
			b.subs[name] = kept
		}
	}

	for _, s := range fired {
		prev := s.tail
		settle := make(chan struct{})
		s.tail = settle
		if b.pending == 0 {
			b.idle = make(chan struct{})
		}
		b.pending++
		go b.deliver(s, ev, prev, settle)
	}
}

// deliver runs one scheduled invocation: wait for the subscription's
// previous invocation to settle, then run the handler under the
// configured ceiling. The handler gets its own goroutine so an expired
// ceiling can settle this invocation while the handler keeps running;
// arbitrary callback code cannot be preempted, only counted.
func (b *Bus) deliver(s *subscription, ev Event, prev <-chan struct{}, settle chan struct{}) {
	defer b.settled(settle)
	<-prev

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if d := time.Duration(b.timeout.Load()); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	res := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		res <- s.fn(ctx, ev)
	}()

	select {
	case err := <-res:
		if err != nil {
			b.errs.Add(1)
			slog.Error("event handler failed",
				"event", ev.Name,
				"event_id", ev.ID,
				"error", err)
		}
	case <-ctx.Done():
		b.errs.Add(1)
		slog.Warn("event handler exceeded timeout",
			"event", ev.Name,
			"event_id", ev.ID,
			"timeout", time.Duration(b.timeout.Load()))
	}
}

func (b *Bus) settled(settle chan struct{}) {
	close(settle)
	b.mu.Lock()
	b.pending--
	if b.pending == 0 {
		close(b.idle)
	}
	b.mu.Unlock()
}

// Drain blocks until every handler invocation scheduled so far has
// settled: returned, panicked, or hit the timeout ceiling. Invocations
// scheduled while Drain waits are waited on as well. ctx bounds the wait
// only; the outstanding work itself is not cancelled. Calling Drain from
// inside a handler deadlocks that handler.
func (b *Bus) Drain(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.pending == 0 {
			b.mu.Unlock()
			return nil
		}
		idle := b.idle
		b.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ListenerCount reports the number of live registrations for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}

// Clear drops every registration for every event name. In-flight
// fan-outs already hold their snapshot and are not affected.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
}

// HandlerErrorCount reports the cumulative number of handler invocations
// that failed, panicked, or timed out since process start or the last
// reset.
func (b *Bus) HandlerErrorCount() uint64 {
	return b.errs.Load()
}

// ResetHandlerErrorCount zeroes the failure counter.
func (b *Bus) ResetHandlerErrorCount() {
	b.errs.Store(0)
}

// SetHandlerTimeout replaces the handler execution ceiling for
// invocations that begin after the call. Zero disables the ceiling.
func (b *Bus) SetHandlerTimeout(d time.Duration) {
	b.timeout.Store(int64(d))
}

// Close clears the registry, rejects further subscribes and publishes,
// and waits for in-flight invocations to settle. ctx bounds the wait.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
	return b.Drain(ctx)
}
