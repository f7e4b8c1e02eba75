// Package peer owns the mesh of WebRTC connections of one local participant:
// one connection per remote user, negotiated through the relay.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/voice-call/internal/models"
)

var (
	// ErrSelf is returned when asked to connect to the local user.
	ErrSelf   = errors.New("peer: cannot connect to self")
	ErrClosed = errors.New("peer: manager closed")
)

const (
	// speakingWindow is how long one voiced packet keeps a peer speaking.
	speakingWindow = 400 * time.Millisecond
	// Opus DTX and comfort-noise frames stay below this payload size.
	voicedPayloadMin = 10

	sendTimeout = 5 * time.Second
)

// Signaler sends negotiation messages to one remote user.
type Signaler interface {
	Send(ctx context.Context, roomID, toUserID string, typ models.SignalType, payload any)
}

type Options struct {
	// Context bounds every signal the manager sends. Once it is done no new
	// connections are made and in-flight sends are abandoned.
	Context  context.Context
	RoomID   string
	LocalID  string
	Signaler Signaler
	Factory  Factory
	// Sink plays remote tracks. Nil means DiscardSink.
	Sink Sink
	// Tracks are attached to every new connection.
	Tracks []webrtc.TrackLocal
	Log    *slog.Logger
}

type Manager struct {
	ctx     context.Context
	roomID  string
	localID string
	sig     Signaler
	newConn Factory
	sink    Sink
	tracks  []webrtc.TrackLocal
	log     *slog.Logger

	mu    sync.Mutex
	peers map[string]*entry
}

func NewManager(opts Options) *Manager {
	sink := opts.Sink
	if sink == nil {
		sink = DiscardSink{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		ctx:     ctx,
		roomID:  opts.RoomID,
		localID: opts.LocalID,
		sig:     opts.Signaler,
		newConn: opts.Factory,
		sink:    sink,
		tracks:  opts.Tracks,
		log:     log.With("component", "peer", "room", opts.RoomID),
		peers:   make(map[string]*entry),
	}
}

// entry is one remote peer. mu serializes description changes and guards
// the candidate buffers; outMu guards the outgoing candidate queue, which is
// fed from Pion's gathering goroutine. sendMu orders the signals sent to the
// peer and lets close wait out an in-flight send.
type entry struct {
	peerID string
	conn   Conn

	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending []webrtc.ICECandidateInit
	seen    map[string]struct{}
	writers []PacketWriter

	outMu    sync.Mutex
	outReady bool
	outbox   []webrtc.ICECandidateInit

	lastVoiced atomic.Int64
}

// Ensure returns the connection to peerID, creating it when missing. A new
// initiator connection sends an offer before Ensure returns.
func (m *Manager) Ensure(ctx context.Context, peerID string, initiator bool) (Conn, bool, error) {
	if peerID == m.localID {
		return nil, false, ErrSelf
	}
	if m.ctx.Err() != nil {
		return nil, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if e, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		return e.conn, false, nil
	}
	e, err := m.create(peerID)
	if err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	// Held until the offer is set so a colliding offer sees have-local-offer.
	e.mu.Lock()
	m.peers[peerID] = e
	m.mu.Unlock()

	m.log.Info("peer connection created", "peer", peerID, "initiator", initiator)

	if !initiator {
		e.mu.Unlock()
		return e.conn, true, nil
	}

	offer, err := e.conn.CreateOffer(nil)
	if err == nil {
		err = e.conn.SetLocalDescription(offer)
	}
	e.mu.Unlock()
	if err != nil {
		m.Teardown(peerID)
		return nil, false, fmt.Errorf("offer to %s: %w", peerID, err)
	}

	m.send(e, models.SignalTypeOffer, offer)
	m.releaseCandidates(e)
	return e.conn, true, nil
}

func (m *Manager) create(peerID string) (*entry, error) {
	conn, err := m.newConn()
	if err != nil {
		return nil, fmt.Errorf("new connection to %s: %w", peerID, err)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		peerID: peerID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}

	for _, track := range m.tracks {
		sender, err := conn.AddTrack(track)
		if err != nil {
			cancel()
			_ = conn.Close()
			return nil, fmt.Errorf("add track to %s: %w", peerID, err)
		}
		go drainRTCP(sender)
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.queueCandidate(e, c.ToJSON())
	})

	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.log.Info("remote track", "peer", peerID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		w, err := m.sink.Open(m.roomID, peerID, track.Codec())
		if err != nil {
			m.log.Warn("open sink", "peer", peerID, "err", err)
			w = discardWriter{}
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = w.Close()
			return
		}
		e.writers = append(e.writers, w)
		e.mu.Unlock()
		go m.consume(e, track, w)
	})

	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			m.log.Warn("peer connection failed", "peer", peerID)
			return
		}
		m.log.Debug("peer connection state", "peer", peerID, "state", s.String())
	})

	return e, nil
}

// consume reads a remote track until it ends, feeding the sink and the
// speaking indicator.
func (m *Manager) consume(e *entry, track *webrtc.TrackRemote, w PacketWriter) {
	audio := track.Kind() == webrtc.RTPCodecTypeAudio
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if audio && isVoiced(pkt) {
			e.lastVoiced.Store(time.Now().UnixNano())
		}
		if err := w.WriteRTP(pkt); err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				m.log.Debug("sink write", "peer", e.peerID, "err", err)
			}
			return
		}
	}
}

func isVoiced(pkt *rtp.Packet) bool {
	return len(pkt.Payload) >= voicedPayloadMin
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// queueCandidate holds local candidates until our description has been sent,
// so the remote side never sees a candidate before the offer or answer.
func (m *Manager) queueCandidate(e *entry, c webrtc.ICECandidateInit) {
	e.outMu.Lock()
	if !e.outReady {
		e.outbox = append(e.outbox, c)
		e.outMu.Unlock()
		return
	}
	e.outMu.Unlock()
	m.send(e, models.SignalTypeCandidate, c)
}

func (m *Manager) releaseCandidates(e *entry) {
	e.outMu.Lock()
	queued := e.outbox
	e.outbox = nil
	e.outReady = true
	e.outMu.Unlock()
	for _, c := range queued {
		m.send(e, models.SignalTypeCandidate, c)
	}
}

// send delivers one signal to e's peer. Nothing is sent once e is closed,
// and closing e abandons a send in progress.
func (m *Manager) send(e *entry, typ models.SignalType, payload any) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, sendTimeout)
	defer cancel()
	m.sig.Send(ctx, m.roomID, e.peerID, typ, payload)
}

// HandleSignal applies one inbound negotiation message. Signals that no
// longer apply are dropped without error.
func (m *Manager) HandleSignal(ctx context.Context, sig models.Signal) error {
	from := sig.FromUserID
	if from == "" || from == m.localID {
		return nil
	}

	switch sig.Type {
	case models.SignalTypeOffer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &sd); err != nil {
			return fmt.Errorf("decode offer from %s: %w", from, err)
		}
		return m.handleOffer(ctx, from, sd)
	case models.SignalTypeAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &sd); err != nil {
			return fmt.Errorf("decode answer from %s: %w", from, err)
		}
		return m.handleAnswer(from, sd)
	case models.SignalTypeCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &c); err != nil {
			return fmt.Errorf("decode candidate from %s: %w", from, err)
		}
		return m.handleCandidate(from, c)
	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

// polite reports whether the local side yields when both peers offer at once.
func (m *Manager) polite(peerID string) bool {
	return m.localID > peerID
}

func (m *Manager) handleOffer(ctx context.Context, from string, sd webrtc.SessionDescription) error {
	if e := m.get(from); e != nil {
		e.mu.Lock()
		state := e.conn.SignalingState()
		glare := state == webrtc.SignalingStateHaveLocalOffer
		// A fresh offer on a negotiated connection means the peer rejoined.
		restarted := state == webrtc.SignalingStateStable && e.conn.RemoteDescription() != nil
		e.mu.Unlock()
		if restarted {
			m.log.Info("peer restarted negotiation", "peer", from)
			m.Teardown(from)
		}
		if glare {
			if !m.polite(from) {
				m.log.Debug("offer collision, keeping own offer", "peer", from)
				return nil
			}
			m.log.Debug("offer collision, yielding", "peer", from)
			m.Teardown(from)
		}
	}

	if _, _, err := m.Ensure(ctx, from, false); err != nil {
		return err
	}
	e := m.get(from)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	answer, err := m.answer(e, sd)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("answer %s: %w", from, err)
	}

	m.send(e, models.SignalTypeAnswer, answer)
	m.releaseCandidates(e)
	return nil
}

// answer must be called with e.mu held.
func (m *Manager) answer(e *entry, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := e.conn.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	m.flushPending(e)
	answer, err := e.conn.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := e.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (m *Manager) handleAnswer(from string, sd webrtc.SessionDescription) error {
	e := m.get(from)
	if e == nil {
		m.log.Debug("answer for unknown peer dropped", "peer", from)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.log.Debug("answer dropped", "peer", from, "state", e.conn.SignalingState().String())
		return nil
	}
	if err := e.conn.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("apply answer from %s: %w", from, err)
	}
	m.flushPending(e)
	return nil
}

func (m *Manager) handleCandidate(from string, c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return nil
	}
	e := m.get(from)
	if e == nil {
		m.log.Debug("candidate for unknown peer dropped", "peer", from)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if _, dup := e.seen[c.Candidate]; dup {
		return nil
	}
	e.seen[c.Candidate] = struct{}{}

	if e.conn.RemoteDescription() == nil {
		e.pending = append(e.pending, c)
		return nil
	}
	if err := e.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate from %s: %w", from, err)
	}
	return nil
}

// flushPending must be called with e.mu held.
func (m *Manager) flushPending(e *entry) {
	for _, c := range e.pending {
		if err := e.conn.AddICECandidate(c); err != nil {
			m.log.Debug("buffered candidate rejected", "peer", e.peerID, "err", err)
		}
	}
	e.pending = nil
}

func (m *Manager) get(peerID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peerID]
}

// Teardown closes the connection to peerID. It reports whether one existed.
func (m *Manager) Teardown(peerID string) bool {
	m.mu.Lock()
	e, ok := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.close(m.log)
	m.log.Info("peer connection closed", "peer", peerID)
	return true
}

func (m *Manager) TeardownAll() {
	m.mu.Lock()
	all := m.peers
	m.peers = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range all {
		e.close(m.log)
		m.log.Info("peer connection closed", "peer", id)
	}
}

func (e *entry) close(log *slog.Logger) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	writers := e.writers
	e.writers = nil
	e.pending = nil
	e.mu.Unlock()

	// Abandon the send in progress and wait for it to return, so nothing
	// for this connection is written after close.
	e.cancel()
	e.sendMu.Lock()
	e.sendMu.Unlock()

	if err := e.conn.Close(); err != nil {
		log.Debug("close peer connection", "peer", e.peerID, "err", err)
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Debug("close sink", "peer", e.peerID, "err", err)
		}
	}
}

// Peers returns the remote user IDs with a live entry, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) SignalingState(peerID string) (webrtc.SignalingState, bool) {
	e := m.get(peerID)
	if e == nil {
		return webrtc.SignalingStateUnknown, false
	}
	return e.conn.SignalingState(), true
}

func (m *Manager) ConnectionState(peerID string) (webrtc.PeerConnectionState, bool) {
	e := m.get(peerID)
	if e == nil {
		return webrtc.PeerConnectionStateUnknown, false
	}
	return e.conn.ConnectionState(), true
}

// Speaking reports whether voiced audio arrived from peerID recently.
func (m *Manager) Speaking(peerID string) bool {
	e := m.get(peerID)
	if e == nil {
		return false
	}
	last := e.lastVoiced.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < speakingWindow
}
