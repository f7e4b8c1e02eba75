package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Conn is the part of *webrtc.PeerConnection the manager drives.
type Conn interface {
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

var _ Conn = (*webrtc.PeerConnection)(nil)

// Factory builds a fresh, unconfigured connection.
type Factory func() (Conn, error)

// NewFactory returns a Factory backed by Pion with the default codecs and
// interceptors. iceServers are STUN URLs; no TURN relay is configured, so
// peers behind symmetric NATs may fail to connect.
func NewFactory(iceServers []string) (Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return func() (Conn, error) {
		return api.NewPeerConnection(cfg)
	}, nil
}
