package store

import (
	"context"
	"sync"
)

// Feed is an unbounded, order-preserving mailbox between a publisher that
// must never block and a single consumer reading Out. An optional resolve
// hook runs at delivery time and may drop or rewrite the value.
type Feed[T any] struct {
	mu      sync.Mutex
	queue   []T
	notify  chan struct{}
	out     chan T
	resolve func(T) (T, bool)
}

// NewFeed starts a feed that closes Out when ctx is done.
func NewFeed[T any](ctx context.Context, resolve func(T) (T, bool)) *Feed[T] {
	f := &Feed[T]{
		notify:  make(chan struct{}, 1),
		out:     make(chan T),
		resolve: resolve,
	}
	go f.run(ctx)
	return f
}

func (f *Feed[T]) Out() <-chan T { return f.out }

func (f *Feed[T]) Push(v T) {
	f.mu.Lock()
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Feed[T]) run(ctx context.Context) {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := f.queue[0]
		var zero T
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()

		if f.resolve != nil {
			var ok bool
			if v, ok = f.resolve(v); !ok {
				continue
			}
		}

		select {
		case f.out <- v:
		case <-ctx.Done():
			return
		}
	}
}
