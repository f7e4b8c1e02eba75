package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// notificationConn is the part of a hijacked connection a listener uses.
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type subscriber struct {
	fn   func(payload string)
	stop context.CancelFunc
}

// listener fans the notifications of one LISTEN connection out to every
// watch on that channel in the process. Watches filter by room themselves.
type listener struct {
	channel string
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]subscriber
	next   uint64
	failed bool
}

func newListener(channel string, log *slog.Logger) *listener {
	return &listener{
		channel: channel,
		log:     log.With("channel", channel),
		subs:    make(map[uint64]subscriber),
	}
}

// add registers fn until ctx is done. stop is called if the listener dies
// first. It reports false when the listener has already failed.
func (l *listener) add(ctx context.Context, fn func(string), stop context.CancelFunc) bool {
	l.mu.Lock()
	if l.failed {
		l.mu.Unlock()
		return false
	}
	id := l.next
	l.next++
	l.subs[id] = subscriber{fn: fn, stop: stop}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}()
	return true
}

func (l *listener) alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.failed
}

// run delivers notifications until ctx is done or the connection breaks.
// A broken connection ends every subscribed watch.
func (l *listener) run(ctx context.Context, conn notificationConn) {
	defer conn.Close(context.Background())
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				l.log.Error("postgres listener failed", "err", err)
			}
			l.fail()
			return
		}

		l.mu.Lock()
		fns := make([]func(string), 0, len(l.subs))
		for _, s := range l.subs {
			fns = append(fns, s.fn)
		}
		l.mu.Unlock()
		for _, fn := range fns {
			fn(n.Payload)
		}
	}
}

func (l *listener) fail() {
	l.mu.Lock()
	l.failed = true
	subs := l.subs
	l.subs = make(map[uint64]subscriber)
	l.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// watch subscribes fn to channel, starting the process-wide listener on
// first use or after the previous one failed. stop ends the caller's feed
// when the listener dies.
func (db *DB) watch(ctx context.Context, channel string, fn func(string), stop context.CancelFunc) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	l := db.listeners[channel]
	if l == nil || !l.alive() {
		var err error
		if l, err = db.startListener(channel); err != nil {
			return err
		}
		db.listeners[channel] = l
	}
	if !l.add(ctx, fn, stop) {
		return fmt.Errorf("listen %s: listener closed", channel)
	}
	return nil
}

// startListener must be called with db.mu held. The LISTEN is in place
// before it returns.
func (db *DB) startListener(channel string) (*listener, error) {
	conn, err := db.Pool.Acquire(db.ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(db.ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	// The connection leaves the pool for good; a cancelled wait leaves it
	// unusable anyway.
	l := newListener(channel, db.log)
	go l.run(db.ctx, conn.Hijack())
	return l, nil
}
