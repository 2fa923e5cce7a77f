package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Handler consumes one event on its subscription's topic worker.
type Handler[T any] func(ctx context.Context, event T) error

type subscription[T any] struct {
	name    string
	topic   *Topic
	handler Handler[T]
	active  atomic.Bool
}

// Bus is a typed event channel. Every subscription names the Topic its
// handler runs on; Publish enqueues one task per subscription and returns
// without waiting for any handler.
type Bus[T any] struct {
	name string

	mu   sync.RWMutex
	subs []*subscription[T]
}

func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers handler on topic and returns a func that removes it.
// Events already queued for a removed subscription are skipped.
func (b *Bus[T]) Subscribe(topic *Topic, name string, handler Handler[T]) func() {
	sub := &subscription[T]{name: name, topic: topic, handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	subs := make([]*subscription[T], 0, len(b.subs)+1)
	subs = append(subs, b.subs...)
	b.subs = append(subs, sub)
	b.mu.Unlock()

	return func() {
		sub.active.Store(false)
		b.mu.Lock()
		defer b.mu.Unlock()
		kept := make([]*subscription[T], 0, len(b.subs))
		for _, s := range b.subs {
			if s != sub {
				kept = append(kept, s)
			}
		}
		b.subs = kept
	}
}

// Publish hands event to every subscriber. The caller's span context travels
// with the event so handler spans join the reporting trace.
func (b *Bus[T]) Publish(ctx context.Context, event T) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	spanCtx := trace.SpanContextFromContext(ctx)
	for _, sub := range subs {
		sub := sub
		sub.topic.Enqueue(b.name+"/"+sub.name, func(ctx context.Context) error {
			if !sub.active.Load() {
				return nil
			}
			if spanCtx.IsValid() {
				ctx = trace.ContextWithRemoteSpanContext(ctx, spanCtx)
			}
			return sub.handler(ctx, event)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
