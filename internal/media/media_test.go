package media

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUserMediaSilence(t *testing.T) {
	src := &Source{Mode: ModeSilence}

	stream, err := src.GetUserMedia(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	require.Len(t, stream.AudioTracks(), 1)
	require.Len(t, stream.TrackLocals(), 1)

	track := stream.AudioTracks()[0]
	assert.True(t, track.Enabled())
	assert.Equal(t, stream.ID, track.StreamID())

	stream.SetAudioEnabled(false)
	assert.False(t, track.Enabled())

	stream.Stop()
	assert.True(t, stream.Stopped())
	// Stop is idempotent.
	stream.Stop()
}

func TestGetUserMediaDenied(t *testing.T) {
	src := &Source{Mode: ModeDeny}
	_, err := src.GetUserMedia(context.Background(), Constraints{Audio: true})
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGetUserMediaMissingFile(t *testing.T) {
	src := &Source{Mode: ModeFile, File: filepath.Join(t.TempDir(), "nope.ogg")}
	_, err := src.GetUserMedia(context.Background(), Constraints{Audio: true})
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestGetUserMediaNeedsAudio(t *testing.T) {
	src := &Source{Mode: ModeSilence}

	_, err := src.GetUserMedia(context.Background(), Constraints{})
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	_, err = src.GetUserMedia(context.Background(), Constraints{Video: true})
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	stream, err := src.GetUserMedia(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	stream.Stop()
}

func TestGetUserMediaFromOgg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 960),
			},
			Payload: opusSilence,
		}))
	}
	require.NoError(t, w.Close())

	src := &Source{Mode: ModeFile, File: path}
	stream, err := src.GetUserMedia(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)

	// Let the pump loop over the short file at least once.
	time.Sleep(300 * time.Millisecond)
	stream.Stop()
	assert.True(t, stream.Stopped())
}
