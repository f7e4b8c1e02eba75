// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store"
)

const waitFor = 3 * time.Second

// Run exercises a fresh store produced by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("InsertConflict", func(t *testing.T) { testInsertConflict(t, open(t)) })
	t.Run("EnrollReactivates", func(t *testing.T) { testEnrollReactivates(t, open(t)) })
	t.Run("MissingRow", func(t *testing.T) { testMissingRow(t, open(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, open(t)) })
	t.Run("WatchRoster", func(t *testing.T) { testWatchRoster(t, open(t)) })
	t.Run("WatchInbound", func(t *testing.T) { testWatchInbound(t, open(t)) })
	t.Run("DeleteForUser", func(t *testing.T) { testDeleteForUser(t, open(t)) })
}

func room() string { return "room-" + uuid.NewString()[:8] }

func participant(roomID, userID string) *models.Participant {
	return &models.Participant{
		RoomID:   roomID,
		UserID:   userID,
		Username: userID,
		IsActive: true,
		JoinedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testInsertConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := room()

	require.NoError(t, s.Participants().Insert(ctx, participant(r, "alice")))
	err := s.Participants().Insert(ctx, participant(r, "alice"))
	require.ErrorIs(t, err, store.ErrConflict)
}

func testEnrollReactivates(t *testing.T, s store.Store) {
	ctx := context.Background()
	ps := s.Participants()
	r := room()

	first, err := store.Enroll(ctx, ps, participant(r, "alice"))
	require.NoError(t, err)
	require.True(t, first.IsActive)

	require.NoError(t, ps.SetMuted(ctx, r, "alice", true))
	require.NoError(t, ps.Deactivate(ctx, r, "alice", time.Now()))

	gone, err := ps.Get(ctx, r, "alice")
	require.NoError(t, err)
	assert.False(t, gone.IsActive)
	assert.NotNil(t, gone.LeftAt)

	again, err := store.Enroll(ctx, ps, participant(r, "alice"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "rejoin must reuse the row")
	assert.True(t, again.IsActive)
	assert.False(t, again.IsMuted)
	assert.Nil(t, again.LeftAt)

	active, err := ps.ListActive(ctx, r)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func testMissingRow(t *testing.T, s store.Store) {
	ctx := context.Background()
	ps := s.Participants()
	r := room()

	_, err := ps.Get(ctx, r, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, ps.SetMuted(ctx, r, "ghost", true), store.ErrNotFound)
	require.ErrorIs(t, ps.Deactivate(ctx, r, "ghost", time.Now()), store.ErrNotFound)
}

func testListActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	ps := s.Participants()
	r := room()

	for i, u := range []string{"alice", "bob", "carol"} {
		p := participant(r, u)
		p.JoinedAt = p.JoinedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, ps.Insert(ctx, p))
	}
	require.NoError(t, ps.Insert(ctx, participant(room(), "dave")))
	require.NoError(t, ps.Deactivate(ctx, r, "bob", time.Now()))

	active, err := ps.ListActive(ctx, r)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "alice", active[0].UserID)
	assert.Equal(t, "carol", active[1].UserID)
}

func testWatchRoster(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ps := s.Participants()
	r := room()

	events, err := ps.WatchRoster(ctx, r)
	require.NoError(t, err)

	require.NoError(t, ps.Insert(ctx, participant(r, "alice")))
	require.NoError(t, ps.Insert(ctx, participant(room(), "elsewhere")))
	require.NoError(t, ps.SetMuted(ctx, r, "alice", true))
	require.NoError(t, ps.Deactivate(ctx, r, "alice", time.Now()))

	ev := next(t, events)
	assert.Equal(t, models.RosterInserted, ev.Kind)
	assert.Equal(t, "alice", ev.Participant.UserID)

	ev = next(t, events)
	assert.Equal(t, models.RosterUpdated, ev.Kind)
	assert.True(t, ev.Participant.IsMuted)

	ev = next(t, events)
	assert.Equal(t, models.RosterUpdated, ev.Kind)
	assert.False(t, ev.Participant.IsActive)
}

func testWatchInbound(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ss := s.Signals()
	r := room()

	inbox, err := ss.WatchInbound(ctx, r, "bob")
	require.NoError(t, err)

	send := func(from, to string, typ models.SignalType) *models.Signal {
		sig := &models.Signal{
			RoomID:     r,
			FromUserID: from,
			ToUserID:   to,
			Type:       typ,
			Payload:    json.RawMessage(`{"sdp":"v=0"}`),
		}
		require.NoError(t, ss.Insert(ctx, sig))
		require.NotEmpty(t, sig.ID)
		return sig
	}

	offer := send("alice", "bob", models.SignalTypeOffer)
	send("bob", "alice", models.SignalTypeAnswer)
	cand := send("alice", "bob", models.SignalTypeCandidate)

	got := next(t, inbox)
	assert.Equal(t, offer.ID, got.ID)
	assert.Equal(t, models.SignalTypeOffer, got.Type)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(got.Payload))

	got = next(t, inbox)
	assert.Equal(t, cand.ID, got.ID)

	// Delivered signals are consumed; only bob's answer to alice remains.
	n, err := ss.DeleteForUser(ctx, r, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testDeleteForUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	ss := s.Signals()
	r := room()

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"carol", "bob"}} {
		require.NoError(t, ss.Insert(ctx, &models.Signal{
			RoomID:     r,
			FromUserID: pair[0],
			ToUserID:   pair[1],
			Type:       models.SignalTypeCandidate,
			Payload:    json.RawMessage(`{}`),
		}))
	}

	n, err := ss.DeleteForUser(ctx, r, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = ss.DeleteForUser(ctx, r, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ss.DeleteForUser(ctx, r, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "feed closed")
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for feed")
	}
	var zero T
	return zero
}
