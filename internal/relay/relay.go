// Package relay carries SDP offers/answers and ICE candidates between the
// peers of a room through the signal store.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store"
)

// seenSize bounds the redelivery filter. A full mesh exchange produces a few
// dozen signals per peer, so this covers a long call.
const seenSize = 4096

type Relay struct {
	signals store.SignalStore
	localID string
	log     *slog.Logger

	seen *lru.Cache[string, struct{}]
}

func New(signals store.SignalStore, localID string, log *slog.Logger) *Relay {
	seen, _ := lru.New[string, struct{}](seenSize)
	return &Relay{
		signals: signals,
		localID: localID,
		log:     log.With("component", "relay"),
		seen:    seen,
	}
}

func (r *Relay) LocalID() string { return r.localID }

// Send writes a signal for toUserID. Failures are logged and swallowed; the
// WebRTC layer recovers from a dropped candidate.
func (r *Relay) Send(ctx context.Context, roomID, toUserID string, typ models.SignalType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("encode signal", "room", roomID, "to", toUserID, "type", typ, "err", err)
		return
	}
	sig := &models.Signal{
		RoomID:     roomID,
		FromUserID: r.localID,
		ToUserID:   toUserID,
		Type:       typ,
		Payload:    data,
	}
	if err := r.signals.Insert(ctx, sig); err != nil {
		r.log.Warn("send signal", "room", roomID, "to", toUserID, "type", typ, "err", err)
		return
	}
	r.log.Debug("signal sent", "room", roomID, "to", toUserID, "type", typ, "id", sig.ID)
}

// Inbound subscribes to signals addressed to the local user in roomID.
// Redelivered signals and signals echoing the local user are dropped.
func (r *Relay) Inbound(ctx context.Context, roomID string) (<-chan models.Signal, error) {
	in, err := r.signals.WatchInbound(ctx, roomID, r.localID)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbound signals: %w", err)
	}

	out := make(chan models.Signal)
	go func() {
		defer close(out)
		for sig := range in {
			if sig.FromUserID == r.localID || !sig.Type.Valid() {
				continue
			}
			if sig.ID != "" {
				if ok, _ := r.seen.ContainsOrAdd(sig.ID, struct{}{}); ok {
					r.log.Debug("duplicate signal dropped", "id", sig.ID)
					continue
				}
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Clear purges every signal the local user sent or was sent in roomID so a
// late offer cannot resurrect a connection after a rejoin.
func (r *Relay) Clear(ctx context.Context, roomID string) error {
	n, err := r.signals.DeleteForUser(ctx, roomID, r.localID)
	if err != nil {
		return fmt.Errorf("clear signals: %w", err)
	}
	r.log.Debug("signals cleared", "room", roomID, "count", n)
	return nil
}
