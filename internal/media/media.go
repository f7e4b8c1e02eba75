// Package media provides the local microphone for a call. Headless peers
// have no capture hardware, so tracks are fed from an Ogg/Opus file or from
// Opus silence frames.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

const (
	ModeSilence = "silence"
	ModeFile    = "file"
	ModeDeny    = "deny"

	frameDuration = 20 * time.Millisecond
)

// opusSilence is a single 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type Constraints struct {
	Audio bool
	Video bool
}

// Devices is the getUserMedia-style entry point.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// AudioTrack is a local Opus track. While disabled it keeps sending silence so
// the remote side sees a live but quiet track.
type AudioTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newAudioTrack(streamID string) (*AudioTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, err
	}
	at := &AudioTrack{
		TrackLocalStaticSample: t,
		stop:                   make(chan struct{}),
		done:                   make(chan struct{}),
	}
	at.enabled.Store(true)
	return at, nil
}

func (t *AudioTrack) Enabled() bool { return t.enabled.Load() }

func (t *AudioTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// Stop ends the track's pump and waits for it to exit.
func (t *AudioTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *AudioTrack) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *AudioTrack) writeSilence() error {
	return t.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
}

// LocalStream groups the tracks returned by one GetUserMedia call.
type LocalStream struct {
	ID     string
	tracks []*AudioTrack
}

func (s *LocalStream) AudioTracks() []*AudioTrack { return s.tracks }

// TrackLocals returns the tracks in the form a PeerConnection accepts.
func (s *LocalStream) TrackLocals() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// SetAudioEnabled enables or disables every audio track.
func (s *LocalStream) SetAudioEnabled(on bool) {
	for _, t := range s.tracks {
		t.SetEnabled(on)
	}
}

func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *LocalStream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// Source implements Devices for headless peers.
type Source struct {
	Mode string
	File string
	Log  *slog.Logger
}

func (s *Source) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no tracks requested", ErrDeviceUnavailable)
	}
	if s.Mode == ModeDeny {
		return nil, ErrPermissionDenied
	}
	if c.Video {
		log.Warn("video capture is not available on this source, continuing audio-only")
	}
	if !c.Audio {
		return nil, fmt.Errorf("%w: no camera", ErrDeviceUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pump func(*AudioTrack)
	switch s.Mode {
	case ModeFile:
		if _, err := os.Stat(s.File); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		pump = func(t *AudioTrack) { pumpOgg(t, s.File, log) }
	default:
		pump = pumpSilence
	}

	stream := &LocalStream{ID: "stream-" + uuid.NewString()[:8]}
	track, err := newAudioTrack(stream.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	stream.tracks = []*AudioTrack{track}
	go pump(track)

	log.Debug("local media acquired", "stream", stream.ID, "mode", s.Mode)
	return stream, nil
}

func pumpSilence(t *AudioTrack) {
	defer close(t.done)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// Writes fail until the track is bound to a connection; that is fine.
			_ = t.writeSilence()
		}
	}
}
