package media

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// pumpOgg plays path in a loop, one Ogg page per tick.
func pumpOgg(t *AudioTrack, path string, log *slog.Logger) {
	defer close(t.done)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		f, err := os.Open(path)
		if err != nil {
			log.Error("open media file", "file", path, "err", err)
			pumpSilenceUntilStop(t, ticker)
			return
		}
		stopped := playOgg(t, f, ticker, log)
		_ = f.Close()
		if stopped {
			return
		}
	}
}

// playOgg returns true when the track was stopped, false at end of file.
func playOgg(t *AudioTrack, r io.Reader, ticker *time.Ticker, log *slog.Logger) bool {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		log.Error("read ogg header", "err", err)
		pumpSilenceUntilStop(t, ticker)
		return true
	}

	var lastGranule uint64
	for {
		select {
		case <-t.stop:
			return true
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			log.Error("read ogg page", "err", err)
			return false
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(float64(samples)/48000*1000) * time.Millisecond
		if d <= 0 {
			d = frameDuration
		}

		if !t.Enabled() {
			_ = t.writeSilence()
			continue
		}
		_ = t.WriteSample(media.Sample{Data: page, Duration: d})
	}
}

func pumpSilenceUntilStop(t *AudioTrack, ticker *time.Ticker) {
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			_ = t.writeSilence()
		}
	}
}
