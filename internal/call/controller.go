// Package call runs the local participant's voice call in one room: media,
// the participant row, the peer mesh and the roster reconciliation loop.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/voice-call/internal/callstate"
	"github.com/mossy-p/voice-call/internal/media"
	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/peer"
	"github.com/mossy-p/voice-call/internal/relay"
	"github.com/mossy-p/voice-call/internal/store"
)

const (
	DefaultMaxParticipants = 6
	DefaultLeaveTimeout    = 5 * time.Second
)

// User is the local identity copied onto the participant row.
type User struct {
	ID        string
	Username  string
	AvatarURL string
}

type Options struct {
	RoomID  string
	User    User
	Store   store.Store
	Devices media.Devices
	Factory peer.Factory

	// Optional.
	Constraints     media.Constraints
	Sink            peer.Sink
	Global          *callstate.Store
	Clock           clock.Clock
	MaxParticipants int
	LeaveTimeout    time.Duration
	Log             *slog.Logger
}

// Session is the locally derived call state.
type Session struct {
	State           State
	RoomID          string
	Muted           bool
	DurationSeconds int
}

type RosterEntry struct {
	models.Participant
	IsSpeaking bool
	Connected  bool
}

// session holds everything acquired by one successful join.
type session struct {
	stream *media.LocalStream
	relay  *relay.Relay
	peers  *peer.Manager

	// events merges the roster feed and inbound signals in arrival order.
	events <-chan event

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	started  time.Time
}

type Controller struct {
	roomID       string
	user         User
	participants store.ParticipantStore
	signals      store.SignalStore
	devices      media.Devices
	factory      peer.Factory
	sink         peer.Sink
	constraints  media.Constraints
	global       *callstate.Store
	clock        clock.Clock
	maxPeers     int
	leaveTimeout time.Duration
	base         *slog.Logger
	log          *slog.Logger

	mu         sync.Mutex
	state      State
	muted      bool
	sess       *session
	active     []models.Participant
	joinCancel context.CancelFunc
	joinDone   chan struct{}

	writes sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.RoomID == "":
		return nil, errors.New("call: room id is required")
	case opts.User.ID == "":
		return nil, errors.New("call: user id is required")
	case opts.Store == nil:
		return nil, errors.New("call: store is required")
	case opts.Devices == nil:
		return nil, errors.New("call: media devices are required")
	case opts.Factory == nil:
		return nil, errors.New("call: peer connection factory is required")
	}

	c := &Controller{
		roomID:       opts.RoomID,
		user:         opts.User,
		participants: opts.Store.Participants(),
		signals:      opts.Store.Signals(),
		devices:      opts.Devices,
		factory:      opts.Factory,
		sink:         opts.Sink,
		constraints:  opts.Constraints,
		global:       opts.Global,
		clock:        opts.Clock,
		maxPeers:     opts.MaxParticipants,
		leaveTimeout: opts.LeaveTimeout,
		log:          opts.Log,
	}
	if !c.constraints.Audio && !c.constraints.Video {
		c.constraints.Audio = true
	}
	if c.global == nil {
		c.global = callstate.New()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.maxPeers < 2 {
		c.maxPeers = DefaultMaxParticipants
	}
	if c.leaveTimeout <= 0 {
		c.leaveTimeout = DefaultLeaveTimeout
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.base = c.log.With("user", c.user.ID)
	c.log = c.base.With("component", "call", "room", c.roomID)
	return c, nil
}

// Join enters the call. It fails with ErrRoomFull when the mesh is at
// capacity and with a wrapped media error when the microphone cannot be
// acquired; in both cases the controller is back in NotInCall.
func (c *Controller) Join(ctx context.Context) error {
	return c.join(ctx, false)
}

func (c *Controller) join(ctx context.Context, muted bool) error {
	c.mu.Lock()
	next, err := transition(c.state, evJoin)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.joinCancel, c.joinDone = cancel, done
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	c.log.Info("joining call")
	err = c.enter(ctx, muted)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	aborted := c.state != Joining
	if !aborted {
		c.state, _ = transition(c.state, evJoinFailed)
	}
	c.mu.Unlock()

	if !aborted {
		c.log.Warn("join failed", "err", err)
		c.global.Dispatch(callstate.CallFailed{Err: err})
	}
	return err
}

// enter acquires the session's resources. On error everything it acquired
// has been released.
func (c *Controller) enter(ctx context.Context, muted bool) error {
	if err := c.WaitWrites(ctx); err != nil {
		return fmt.Errorf("wait for previous leave: %w", err)
	}

	active, err := c.participants.ListActive(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	others := 0
	for _, p := range active {
		if p.UserID != c.user.ID {
			others++
		}
	}
	if others+1 > c.maxPeers {
		return fmt.Errorf("%w: %d of %d", ErrRoomFull, others, c.maxPeers)
	}

	stream, err := c.devices.GetUserMedia(ctx, c.constraints)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	// Subscribe before the row exists: peers start offering as soon as they
	// see it.
	sess, err := c.open(stream)
	if err != nil {
		stream.Stop()
		return err
	}

	row, err := store.Enroll(ctx, c.participants, &models.Participant{
		RoomID:    c.roomID,
		UserID:    c.user.ID,
		Username:  c.user.Username,
		AvatarURL: c.user.AvatarURL,
		JoinedAt:  c.clock.Now().UTC(),
	})
	if err != nil {
		sess.cancel()
		stream.Stop()
		if ctx.Err() != nil {
			// The write may have landed before the cancellation.
			c.scheduleLeaveWrites(sess.relay)
		}
		return err
	}
	if muted {
		stream.SetAudioEnabled(false)
		if err := c.participants.SetMuted(ctx, c.roomID, c.user.ID, true); err != nil {
			c.log.Warn("persist mute", "err", err)
		}
	}

	c.mu.Lock()
	if c.state != Joining {
		c.mu.Unlock()
		stream.Stop()
		sess.cancel()
		c.scheduleLeaveWrites(sess.relay)
		return ErrJoinAborted
	}
	c.sess = sess
	c.active = []models.Participant{*row}
	c.muted = muted
	c.state, _ = transition(c.state, evJoined)
	c.mu.Unlock()

	c.log.Info("joined call", "participants", len(active))
	c.global.Dispatch(callstate.CallStarted{RoomID: c.roomID, Muted: muted})

	go c.run(sess)
	return nil
}

// event is one entry of the session queue: a roster change or an inbound
// signal.
type event struct {
	roster *models.RosterEvent
	signal *models.Signal
}

// open subscribes to the room and builds the mesh for stream.
func (c *Controller) open(stream *media.LocalStream) (*session, error) {
	// The feeds outlive the Join call.
	ctx, cancel := context.WithCancel(context.Background())

	r := relay.New(c.signals, c.user.ID, c.base)
	sess := &session{
		stream: stream,
		relay:  r,
		peers: peer.NewManager(peer.Options{
			Context:  ctx,
			RoomID:   c.roomID,
			LocalID:  c.user.ID,
			Signaler: r,
			Factory:  c.factory,
			Sink:     c.sink,
			Tracks:   stream.TrackLocals(),
			Log:      c.base,
		}),
		loopDone: make(chan struct{}),
		started:  c.clock.Now(),
	}

	roster, err := c.participants.WatchRoster(ctx, c.roomID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch roster: %w", err)
	}
	inbound, err := r.Inbound(ctx, c.roomID)
	if err != nil {
		cancel()
		return nil, err
	}
	sess.events = merge(ctx, roster, inbound)
	sess.ctx, sess.cancel = ctx, cancel
	return sess, nil
}

// merge queues roster events and signals in the order they arrive. The
// queue closes when ctx is done.
func merge(ctx context.Context, roster <-chan models.RosterEvent, inbound <-chan models.Signal) <-chan event {
	queue := store.NewFeed[event](ctx, nil)
	go func() {
		for ev := range roster {
			queue.Push(event{roster: &ev})
		}
	}()
	go func() {
		for sig := range inbound {
			queue.Push(event{signal: &sig})
		}
	}()
	return queue.Out()
}

// run is the reconciliation loop. It is the only goroutine that asks the
// peer manager to create or tear down connections while in the call.
func (c *Controller) run(sess *session) {
	defer close(sess.loopDone)
	ctx := sess.ctx

	c.reconcile(ctx, sess)

	ticker := c.clock.Ticker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sess.events:
			if !ok {
				return
			}
			c.handle(ctx, sess, ev)

		case <-ticker.C:
			c.tick(sess)
		}
	}
}

func (c *Controller) handle(ctx context.Context, sess *session, ev event) {
	switch {
	case ev.roster != nil:
		p := ev.roster.Participant
		if p.UserID == c.user.ID {
			return
		}
		if !p.IsActive && sess.peers.Teardown(p.UserID) {
			c.log.Info("peer left", "peer", p.UserID)
		}
		c.reconcile(ctx, sess)

	case ev.signal != nil:
		sig := ev.signal
		if err := sess.peers.HandleSignal(ctx, *sig); err != nil {
			c.log.Warn("handle signal", "peer", sig.FromUserID, "type", sig.Type, "err", err)
		}
	}
}

// reconcile brings the mesh in line with the active roster: one initiator
// connection per other active participant, none for anyone else.
func (c *Controller) reconcile(ctx context.Context, sess *session) {
	active, err := c.participants.ListActive(ctx, c.roomID)
	if err != nil {
		c.log.Warn("reconcile roster", "err", err)
		return
	}

	want := make(map[string]bool, len(active))
	for _, p := range active {
		if p.UserID != c.user.ID {
			want[p.UserID] = true
		}
	}
	for _, id := range sess.peers.Peers() {
		if !want[id] {
			sess.peers.Teardown(id)
		}
	}
	for _, p := range active {
		if p.UserID == c.user.ID {
			continue
		}
		if _, created, err := sess.peers.Ensure(ctx, p.UserID, true); err != nil {
			c.log.Warn("connect peer", "peer", p.UserID, "err", err)
		} else if created {
			c.log.Info("peer joined", "peer", p.UserID)
		}
	}

	c.mu.Lock()
	current := c.sess == sess
	if current {
		c.active = active
	}
	c.mu.Unlock()
	if current {
		c.global.Dispatch(callstate.ParticipantsChanged{Participants: active})
	}
}

func (c *Controller) tick(sess *session) {
	c.mu.Lock()
	current := c.sess == sess && c.state == InCall
	c.mu.Unlock()
	if current {
		c.global.Dispatch(callstate.DurationTicked{Seconds: c.elapsed(sess)})
	}
}

func (c *Controller) elapsed(sess *session) int {
	return int(c.clock.Since(sess.started) / time.Second)
}

// Leave exits the call. Local media and connections are released before it
// returns; the row deactivation and signal purge finish in the background
// and a later Join waits for them.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	next, err := transition(c.state, evLeave)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	joinCancel, joinDone := c.joinCancel, c.joinDone
	c.mu.Unlock()

	if prev == Joining {
		joinCancel()
		select {
		case <-joinDone:
		case <-ctx.Done():
			// The join observes Leaving and stops on its own.
		}
	}

	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.active = nil
	c.mu.Unlock()

	if sess != nil {
		c.release(sess)
		c.scheduleLeaveWrites(sess.relay)
	}

	c.mu.Lock()
	c.state, _ = transition(c.state, evLeft)
	c.muted = false
	c.mu.Unlock()

	c.log.Info("left call")
	c.global.Dispatch(callstate.CallEnded{})
	return nil
}

// release stops local media and closes every connection without waiting
// for signals still being written.
func (c *Controller) release(sess *session) {
	sess.stream.Stop()
	sess.cancel()
	sess.peers.TeardownAll()
	<-sess.loopDone
	// The loop may have raced a connection in before it saw the cancel.
	sess.peers.TeardownAll()
}

func (c *Controller) scheduleLeaveWrites(r *relay.Relay) {
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.leaveTimeout)
		defer cancel()

		if err := c.participants.Deactivate(ctx, c.roomID, c.user.ID, c.clock.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("deactivate participant", "err", err)
		}
		if err := r.Clear(ctx, c.roomID); err != nil {
			c.log.Warn("purge signals", "err", err)
		}
	}()
}

// WaitWrites blocks until background leave writes have finished.
func (c *Controller) WaitWrites(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToggleMute flips the local microphone and persists the flag on the own
// row. Remote connections are not touched.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state != InCall {
		c.mu.Unlock()
		return false, ErrNotInCall
	}
	c.muted = !c.muted
	muted, sess := c.muted, c.sess
	c.mu.Unlock()

	sess.stream.SetAudioEnabled(!muted)
	if err := c.participants.SetMuted(ctx, c.roomID, c.user.ID, muted); err != nil {
		c.log.Warn("persist mute", "err", err)
	}
	c.global.Dispatch(callstate.MuteChanged{Muted: muted})
	return muted, nil
}

// Restore resumes a call the user was still marked active in, for example
// after a restart. Media is acquired again and the persisted mute flag is
// re-applied. If media cannot be acquired or the room has filled up in the
// meantime, the stale row is deactivated and the error returned. Restore
// reports whether a call was resumed.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == InCall {
		return true, nil
	}

	row, err := c.participants.Get(ctx, c.roomID, c.user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}
	if !row.IsActive {
		return false, nil
	}

	c.log.Info("restoring call", "muted", row.IsMuted)
	if err := c.join(ctx, row.IsMuted); err != nil {
		if errors.Is(err, media.ErrPermissionDenied) || errors.Is(err, media.ErrDeviceUnavailable) || errors.Is(err, ErrRoomFull) {
			if derr := c.participants.Deactivate(ctx, c.roomID, c.user.ID, c.clock.Now().UTC()); derr != nil {
				c.log.Warn("deactivate stale participant", "err", derr)
			}
		}
		return false, err
	}
	return true, nil
}

// Close leaves any active call and waits, bounded by the leave timeout, for
// the background writes.
func (c *Controller) Close() error {
	err := c.Leave(context.Background())
	if errors.Is(err, ErrInvalidTransition) {
		err = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.leaveTimeout)
	defer cancel()
	if werr := c.WaitWrites(ctx); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Session{State: c.state, RoomID: c.roomID, Muted: c.muted}
	if c.sess != nil && c.state == InCall {
		s.DurationSeconds = c.elapsed(c.sess)
	}
	return s
}

// Roster returns the active participants with their live indicators.
func (c *Controller) Roster() []RosterEntry {
	c.mu.Lock()
	active, sess := c.active, c.sess
	c.mu.Unlock()

	out := make([]RosterEntry, 0, len(active))
	for _, p := range active {
		e := RosterEntry{Participant: p}
		switch {
		case p.UserID == c.user.ID:
			e.Connected = true
		case sess != nil:
			e.IsSpeaking = sess.peers.Speaking(p.UserID)
			state, _ := sess.peers.ConnectionState(p.UserID)
			e.Connected = state == webrtc.PeerConnectionStateConnected
		}
		out = append(out, e)
	}
	return out
}

// Peers returns the remote users the local participant holds a connection
// to.
func (c *Controller) Peers() []string {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.peers.Peers()
}

func (c *Controller) Global() *callstate.Store { return c.global }
