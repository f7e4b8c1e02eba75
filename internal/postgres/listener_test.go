package postgres

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/voice-call/internal/logger"
)

// fakeConn hands out queued notifications, then fails with err.
type fakeConn struct {
	notes  chan *pgconn.Notification
	err    chan error
	closed atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{notes: make(chan *pgconn.Notification), err: make(chan error)}
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case err := <-c.err:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func TestListenerFansOutToEveryWatch(t *testing.T) {
	l := newListener(rosterChannel, logger.Nop())
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx, conn)

	got := make(chan string, 4)
	for range 2 {
		wctx, stop := context.WithCancel(ctx)
		defer stop()
		require.True(t, l.add(wctx, func(p string) { got <- p }, stop))
	}

	conn.notes <- &pgconn.Notification{Channel: rosterChannel, Payload: "a"}
	for range 2 {
		select {
		case p := <-got:
			assert.Equal(t, "a", p)
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestListenerFailureEndsWatches(t *testing.T) {
	l := newListener(signalsChannel, logger.Nop())
	conn := newFakeConn()
	go l.run(context.Background(), conn)

	wctx, stop := context.WithCancel(context.Background())
	defer stop()
	require.True(t, l.add(wctx, func(string) {}, stop))

	conn.err <- errors.New("connection reset")
	select {
	case <-wctx.Done():
	case <-time.After(time.Second):
		t.Fatal("watch not stopped after listener failure")
	}
	require.Eventually(t, conn.closed.Load, time.Second, 10*time.Millisecond)
	assert.False(t, l.alive())
	assert.False(t, l.add(context.Background(), func(string) {}, func() {}))
}

func TestListenerDropsCancelledWatch(t *testing.T) {
	l := newListener(rosterChannel, logger.Nop())
	wctx, stop := context.WithCancel(context.Background())
	require.True(t, l.add(wctx, func(string) {}, stop))
	stop()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.subs) == 0
	}, time.Second, 10*time.Millisecond)
}
