package bus

import (
	"context"
	"fmt"
)

// Topic binds an event name to a payload type, giving callers a
// compile-time-checked publish/subscribe pair per name. New event names
// need no dispatcher changes; declare a Topic next to the payload type
// and share it between publisher and subscriber.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed event name.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the event name the topic publishes under.
func (t Topic[T]) Name() string {
	return t.name
}

// Publish emits v on the topic's event name.
func (t Topic[T]) Publish(b *Bus, v T) {
	b.Publish(t.name, v)
}

// Subscribe registers fn for the topic. A payload of any other type
// reaching the handler, possible through an untyped Publish on the same
// name, is a counted handler fault.
func (t Topic[T]) Subscribe(b *Bus, fn func(ctx context.Context, v T) error) (func(), error) {
	return b.Subscribe(t.name, t.wrap(fn))
}

// SubscribeOnce registers fn for a single typed delivery.
func (t Topic[T]) SubscribeOnce(b *Bus, fn func(ctx context.Context, v T) error) (func(), error) {
	return b.SubscribeOnce(t.name, t.wrap(fn))
}

func (t Topic[T]) wrap(fn func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, ev Event) error {
		v, ok := ev.Payload.(T)
		if !ok {
			return fmt.Errorf("%w: event %q carries %T", ErrPayloadType, t.name, ev.Payload)
		}
		return fn(ctx, v)
	}
}
