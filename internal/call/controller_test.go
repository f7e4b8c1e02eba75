package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/voice-call/internal/callstate"
	"github.com/mossy-p/voice-call/internal/logger"
	"github.com/mossy-p/voice-call/internal/media"
	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/peer"
	"github.com/mossy-p/voice-call/internal/store"
	"github.com/mossy-p/voice-call/internal/store/memstore"
)

const room = "room-1"

const settle = 10 * time.Second

type rig struct {
	st      *memstore.Store
	factory peer.Factory
}

func newRig(t *testing.T) *rig {
	t.Helper()
	factory, err := peer.NewFactory(nil)
	require.NoError(t, err)
	return &rig{st: memstore.New(), factory: factory}
}

func (r *rig) controller(t *testing.T, userID string, opts ...func(*Options)) *Controller {
	t.Helper()
	o := Options{
		RoomID:       room,
		User:         User{ID: userID, Username: userID},
		Store:        r.st,
		Devices:      &media.Source{Mode: media.ModeSilence, Log: logger.Nop()},
		Factory:      r.factory,
		LeaveTimeout: 2 * time.Second,
		Log:          logger.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// meshed reports whether c holds exactly n connections, all negotiated.
func meshed(c *Controller, n int) bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return n == 0
	}
	ids := sess.peers.Peers()
	if len(ids) != n {
		return false
	}
	for _, id := range ids {
		if s, ok := sess.peers.SignalingState(id); !ok || s != webrtc.SignalingStateStable {
			return false
		}
	}
	return true
}

func newSignal(from, to string) *models.Signal {
	return &models.Signal{
		RoomID:     room,
		FromUserID: from,
		ToUserID:   to,
		Type:       models.SignalTypeCandidate,
		Payload:    json.RawMessage(`{"candidate":""}`),
	}
}

func rosterIDs(c *Controller) []string {
	var ids []string
	for _, e := range c.Roster() {
		ids = append(ids, e.UserID)
	}
	return ids
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from State
		ev   event
		to   State
		ok   bool
	}{
		{NotInCall, evJoin, Joining, true},
		{Joining, evJoined, InCall, true},
		{Joining, evJoinFailed, NotInCall, true},
		{Joining, evLeave, Leaving, true},
		{InCall, evLeave, Leaving, true},
		{Leaving, evLeft, NotInCall, true},
		{NotInCall, evLeave, NotInCall, false},
		{InCall, evJoin, InCall, false},
		{Leaving, evJoin, Leaving, false},
		{NotInCall, evJoined, NotInCall, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.from, tt.ev), func(t *testing.T) {
			got, err := transition(tt.from, tt.ev)
			assert.Equal(t, tt.to, got)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{RoomID: room})
	assert.Error(t, err)
}

func TestJoinEmptyRoom(t *testing.T) {
	r := newRig(t)
	alice := r.controller(t, "alice")

	require.NoError(t, alice.Join(context.Background()))

	snap := alice.Snapshot()
	assert.Equal(t, InCall, snap.State)
	assert.Equal(t, room, snap.RoomID)
	assert.False(t, snap.Muted)
	assert.Empty(t, alice.Peers())
	assert.Equal(t, []string{"alice"}, rosterIDs(alice))

	global := alice.Global().State()
	assert.True(t, global.Active)
	assert.Equal(t, room, global.RoomID)

	assert.ErrorIs(t, alice.Join(context.Background()), ErrInvalidTransition)
}

func TestTwoPeersNegotiate(t *testing.T) {
	r := newRig(t)
	alice := r.controller(t, "alice")
	bob := r.controller(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx))
	assert.True(t, meshed(alice, 0))

	require.NoError(t, bob.Join(ctx))
	require.Eventually(t, func() bool {
		return meshed(alice, 1) && meshed(bob, 1)
	}, settle, 20*time.Millisecond)

	assert.Equal(t, []string{"bob"}, alice.Peers())
	assert.Equal(t, []string{"alice"}, bob.Peers())
	require.Eventually(t, func() bool {
		return len(alice.Roster()) == 2 && len(bob.Roster()) == 2
	}, settle, 20*time.Millisecond)
}

func TestMeshInAnyJoinOrder(t *testing.T) {
	users := []string{"dave", "alice", "carol", "bob"}

	t.Run("sequential", func(t *testing.T) {
		r := newRig(t)
		var cs []*Controller
		for _, u := range users {
			c := r.controller(t, u)
			require.NoError(t, c.Join(context.Background()))
			cs = append(cs, c)
		}
		require.Eventually(t, func() bool {
			for _, c := range cs {
				if !meshed(c, len(users)-1) {
					return false
				}
			}
			return true
		}, settle, 50*time.Millisecond)
	})

	t.Run("concurrent", func(t *testing.T) {
		r := newRig(t)
		cs := make([]*Controller, len(users))
		for i, u := range users {
			cs[i] = r.controller(t, u)
		}
		var wg sync.WaitGroup
		for _, c := range cs {
			wg.Add(1)
			go func(c *Controller) {
				defer wg.Done()
				assert.NoError(t, c.Join(context.Background()))
			}(c)
		}
		wg.Wait()
		require.Eventually(t, func() bool {
			for _, c := range cs {
				if !meshed(c, len(users)-1) {
					return false
				}
			}
			return true
		}, settle, 50*time.Millisecond)
	})
}

func TestLeave(t *testing.T) {
	r := newRig(t)
	mock := clock.NewMock()
	alice := r.controller(t, "alice")
	bob := r.controller(t, "bob", func(o *Options) { o.Clock = mock })
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx))
	require.NoError(t, bob.Join(ctx))
	require.Eventually(t, func() bool {
		return meshed(alice, 1) && meshed(bob, 1)
	}, settle, 20*time.Millisecond)

	mock.Add(3 * time.Second)
	assert.Equal(t, 3, bob.Snapshot().DurationSeconds)

	bob.mu.Lock()
	stream := bob.sess.stream
	bob.mu.Unlock()

	require.NoError(t, bob.Leave(ctx))

	snap := bob.Snapshot()
	assert.Equal(t, NotInCall, snap.State)
	assert.Zero(t, snap.DurationSeconds)
	assert.True(t, stream.Stopped())
	assert.Empty(t, bob.Peers())
	assert.False(t, bob.Global().State().Active)

	require.NoError(t, bob.WaitWrites(ctx))
	row, err := r.st.Participants().Get(ctx, room, "bob")
	require.NoError(t, err)
	assert.False(t, row.IsActive)
	assert.NotNil(t, row.LeftAt)

	require.Eventually(t, func() bool {
		return meshed(alice, 0)
	}, settle, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		ids := rosterIDs(alice)
		return len(ids) == 1 && ids[0] == "alice"
	}, settle, 20*time.Millisecond)

	assert.ErrorIs(t, bob.Leave(ctx), ErrInvalidTransition)
}

func TestLeavePurgesSignals(t *testing.T) {
	r := newRig(t)
	alice := r.controller(t, "alice")
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx))
	sig := r.st.Signals()
	require.NoError(t, sig.Insert(ctx, newSignal("carol", "alice")))
	require.NoError(t, sig.Insert(ctx, newSignal("alice", "carol")))
	require.NoError(t, sig.Insert(ctx, newSignal("carol", "dave")))

	require.NoError(t, alice.Leave(ctx))
	require.NoError(t, alice.WaitWrites(ctx))
	assert.Equal(t, 1, r.st.SignalCount(room))
}

func TestRejoinKeepsOneRow(t *testing.T) {
	r := newRig(t)
	alice := r.controller(t, "alice")
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx))
	first, err := r.st.Participants().Get(ctx, room, "alice")
	require.NoError(t, err)
	_, err = alice.ToggleMute(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.Leave(ctx))
	require.NoError(t, alice.Join(ctx))

	assert.Equal(t, 1, r.st.RowCount(room, "alice"))
	row, err := r.st.Participants().Get(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, row.ID)
	assert.True(t, row.IsActive)
	assert.False(t, row.IsMuted)
	assert.Nil(t, row.LeftAt)
	assert.False(t, alice.Snapshot().Muted)
}

func TestToggleMuteIsLocal(t *testing.T) {
	r := newRig(t)
	alice := r.controller(t, "alice")
	bob := r.controller(t, "bob")
	ctx := context.Background()

	_, err := alice.ToggleMute(ctx)
	assert.ErrorIs(t, err, ErrNotInCall)

	require.NoError(t, alice.Join(ctx))
	require.NoError(t, bob.Join(ctx))
	require.Eventually(t, func() bool {
		return meshed(alice, 1) && meshed(bob, 1)
	}, settle, 20*time.Millisecond)

	bob.mu.Lock()
	bobPeers := bob.sess.peers
	bob.mu.Unlock()
	before, _ := bobPeers.ConnectionState("alice")

	muted, err := alice.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, muted)

	alice.mu.Lock()
	track := alice.sess.stream.AudioTracks()[0]
	alice.mu.Unlock()
	assert.False(t, track.Enabled())

	row, err := r.st.Participants().Get(ctx, room, "alice")
	require.NoError(t, err)
	assert.True(t, row.IsMuted)
	other, err := r.st.Participants().Get(ctx, room, "bob")
	require.NoError(t, err)
	assert.False(t, other.IsMuted)

	assert.True(t, alice.Global().State().Muted)
	assert.True(t, meshed(bob, 1))
	after, _ := bobPeers.ConnectionState("alice")
	if before == webrtc.PeerConnectionStateConnected {
		assert.Equal(t, before, after)
	}

	muted, err = alice.ToggleMute(ctx)
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, track.Enabled())
}

func TestJoinWithoutMicrophone(t *testing.T) {
	r := newRig(t)
	global := callstate.New()
	alice := r.controller(t, "alice", func(o *Options) {
		o.Devices = &media.Source{Mode: media.ModeDeny}
		o.Global = global
	})
	ctx := context.Background()

	err := alice.Join(ctx)
	require.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, NotInCall, alice.Snapshot().State)
	assert.Zero(t, r.st.RowCount(room, "alice"))

	st := global.State()
	assert.False(t, st.Active)
	assert.ErrorIs(t, st.Err, media.ErrPermissionDenied)

	alice2 := r.controller(t, "alice", func(o *Options) {
		o.Devices = &media.Source{Mode: media.ModeFile, File: "/nonexistent.ogg"}
	})
	assert.ErrorIs(t, alice2.Join(ctx), media.ErrDeviceUnavailable)
}

func TestRoomFull(t *testing.T) {
	r := newRig(t)
	limit := func(o *Options) { o.MaxParticipants = 2 }
	ctx := context.Background()

	require.NoError(t, r.controller(t, "alice", limit).Join(ctx))
	require.NoError(t, r.controller(t, "bob", limit).Join(ctx))

	carol := r.controller(t, "carol", limit)
	assert.ErrorIs(t, carol.Join(ctx), ErrRoomFull)
	assert.Equal(t, NotInCall, carol.Snapshot().State)
	assert.Zero(t, r.st.RowCount(room, "carol"))
}

func TestDurationTicks(t *testing.T) {
	r := newRig(t)
	mock := clock.NewMock()
	global := callstate.New()
	alice := r.controller(t, "alice", func(o *Options) {
		o.Clock = mock
		o.Global = global
	})
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx))
	assert.Zero(t, alice.Snapshot().DurationSeconds)

	for i := 0; i < 5; i++ {
		mock.Add(time.Second)
	}
	assert.Equal(t, 5, alice.Snapshot().DurationSeconds)

	// The loop's ticker may start after the first advances.
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return global.State().DurationSeconds > 5
	}, settle, 10*time.Millisecond)

	require.NoError(t, alice.Leave(ctx))
	assert.Zero(t, alice.Snapshot().DurationSeconds)
	assert.Zero(t, global.State().DurationSeconds)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("no row", func(t *testing.T) {
		r := newRig(t)
		ok, err := r.controller(t, "alice").Restore(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("active muted row", func(t *testing.T) {
		r := newRig(t)
		before := r.controller(t, "alice")
		require.NoError(t, before.Join(ctx))
		_, err := before.ToggleMute(ctx)
		require.NoError(t, err)
		// Simulate a restart: the old process vanishes without leaving.
		before.mu.Lock()
		sess := before.sess
		before.sess = nil
		before.state = NotInCall
		before.mu.Unlock()
		before.release(sess)

		after := r.controller(t, "alice")
		ok, err := after.Restore(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		snap := after.Snapshot()
		assert.Equal(t, InCall, snap.State)
		assert.True(t, snap.Muted)
		after.mu.Lock()
		track := after.sess.stream.AudioTracks()[0]
		after.mu.Unlock()
		assert.False(t, track.Enabled())

		row, err := r.st.Participants().Get(ctx, room, "alice")
		require.NoError(t, err)
		assert.True(t, row.IsActive)
		assert.True(t, row.IsMuted)
		assert.Equal(t, 1, r.st.RowCount(room, "alice"))
	})

	t.Run("media lost", func(t *testing.T) {
		r := newRig(t)
		before := r.controller(t, "alice")
		require.NoError(t, before.Join(ctx))
		before.mu.Lock()
		sess := before.sess
		before.sess = nil
		before.state = NotInCall
		before.mu.Unlock()
		before.release(sess)

		after := r.controller(t, "alice", func(o *Options) {
			o.Devices = &media.Source{Mode: media.ModeDeny}
		})
		ok, err := after.Restore(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, media.ErrPermissionDenied)

		row, err := r.st.Participants().Get(ctx, room, "alice")
		require.NoError(t, err)
		assert.False(t, row.IsActive)
	})

	t.Run("room filled up", func(t *testing.T) {
		r := newRig(t)
		limit := func(o *Options) { o.MaxParticipants = 2 }
		before := r.controller(t, "alice", limit)
		require.NoError(t, before.Join(ctx))
		before.mu.Lock()
		sess := before.sess
		before.sess = nil
		before.state = NotInCall
		before.mu.Unlock()
		before.release(sess)

		for _, id := range []string{"bob", "carol"} {
			_, err := store.Enroll(ctx, r.st.Participants(), &models.Participant{RoomID: room, UserID: id, Username: id})
			require.NoError(t, err)
		}

		after := r.controller(t, "alice", limit)
		ok, err := after.Restore(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrRoomFull)

		row, err := r.st.Participants().Get(ctx, room, "alice")
		require.NoError(t, err)
		assert.False(t, row.IsActive)
	})
}

// stallingStore holds every signal write until its context ends.
type stallingStore struct {
	*memstore.Store
	once    sync.Once
	writing chan struct{}
}

func newStallingStore(st *memstore.Store) *stallingStore {
	return &stallingStore{Store: st, writing: make(chan struct{})}
}

func (s *stallingStore) Signals() store.SignalStore { return stallingSignals{s.Store.Signals(), s} }

type stallingSignals struct {
	store.SignalStore
	s *stallingStore
}

func (ss stallingSignals) Insert(ctx context.Context, _ *models.Signal) error {
	ss.s.once.Do(func() { close(ss.s.writing) })
	<-ctx.Done()
	return ctx.Err()
}

func TestLeaveDoesNotWaitForSignalWrites(t *testing.T) {
	r := newRig(t)
	slow := newStallingStore(r.st)
	alice := r.controller(t, "alice")
	bob := r.controller(t, "bob", func(o *Options) { o.Store = slow })
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx))
	require.NoError(t, bob.Join(ctx))
	select {
	case <-slow.writing:
	case <-time.After(settle):
		t.Fatal("bob never started signaling")
	}

	bob.mu.Lock()
	peers := bob.sess.peers
	bob.mu.Unlock()

	start := time.Now()
	require.NoError(t, bob.Leave(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, peers.Len())
	assert.Equal(t, NotInCall, bob.Snapshot().State)
}

func TestEventsHandledInArrivalOrder(t *testing.T) {
	r := newRig(t)
	carol := r.controller(t, "carol")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// bob left; his row is inactive when his fresh offer arrives.
	ps := r.st.Participants()
	_, err := store.Enroll(ctx, ps, &models.Participant{RoomID: room, UserID: "bob", Username: "bob"})
	require.NoError(t, err)
	require.NoError(t, ps.Deactivate(ctx, room, "bob", time.Now()))
	left, err := ps.Get(ctx, room, "bob")
	require.NoError(t, err)

	bob := peer.NewManager(peer.Options{RoomID: room, LocalID: "bob", Signaler: &countingSignaler{}, Factory: r.factory, Log: logger.Nop()})
	defer bob.TeardownAll()
	bobConn, _, err := bob.Ensure(ctx, "carol", true)
	require.NoError(t, err)
	offer, err := json.Marshal(bobConn.LocalDescription())
	require.NoError(t, err)

	// The roster change is queued ahead of the offer.
	queue := store.NewFeed[event](ctx, nil)
	queue.Push(event{roster: &models.RosterEvent{Kind: models.RosterUpdated, Participant: *left}})
	queue.Push(event{signal: &models.Signal{
		RoomID: room, FromUserID: "bob", ToUserID: "carol", Type: models.SignalTypeOffer, Payload: offer,
	}})

	sig := &countingSignaler{}
	sess := &session{
		peers: peer.NewManager(peer.Options{
			Context: ctx, RoomID: room, LocalID: "carol", Signaler: sig, Factory: r.factory, Log: logger.Nop(),
		}),
		events:   queue.Out(),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		started:  time.Now(),
	}
	defer sess.peers.TeardownAll()
	go carol.run(sess)

	require.Eventually(t, func() bool {
		return sig.count(models.SignalTypeAnswer) == 1
	}, settle, 20*time.Millisecond)
	assert.Equal(t, []string{"bob"}, sess.peers.Peers())
	assert.Zero(t, sig.count(models.SignalTypeOffer))
	state, ok := sess.peers.SignalingState("bob")
	require.True(t, ok)
	assert.Equal(t, webrtc.SignalingStateStable, state)

	cancel()
	<-sess.loopDone
}

type countingSignaler struct {
	mu   sync.Mutex
	sent map[models.SignalType]int
}

func (s *countingSignaler) Send(_ context.Context, _, _ string, typ models.SignalType, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[models.SignalType]int)
	}
	s.sent[typ]++
}

func (s *countingSignaler) count(typ models.SignalType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[typ]
}
