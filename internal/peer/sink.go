package peer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// PacketWriter receives the RTP packets of one remote track.
type PacketWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Sink is where remote tracks play. Open is called once per remote track;
// the writer is closed when the peer is torn down.
type Sink interface {
	Open(roomID, peerID string, codec webrtc.RTPCodecParameters) (PacketWriter, error)
}

type discardWriter struct{}

func (discardWriter) WriteRTP(*rtp.Packet) error { return nil }
func (discardWriter) Close() error               { return nil }

// DiscardSink drains remote tracks without keeping them.
type DiscardSink struct{}

func (DiscardSink) Open(string, string, webrtc.RTPCodecParameters) (PacketWriter, error) {
	return discardWriter{}, nil
}

// OggSink records every remote Opus track to its own file in Dir.
type OggSink struct {
	Dir string
}

func (s OggSink) Open(roomID, peerID string, codec webrtc.RTPCodecParameters) (PacketWriter, error) {
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return discardWriter{}, nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s-%d.ogg", safeName(roomID), safeName(peerID), time.Now().Unix())
	return oggwriter.New(filepath.Join(s.Dir, name), codec.ClockRate, codec.Channels)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
