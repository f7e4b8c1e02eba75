package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store"
)

type participants struct {
	client *redis.Client
}

func (ps participants) Insert(ctx context.Context, p *models.Participant) error {
	row := *p
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}

	ok, err := ps.client.SetNX(ctx, participantKey(p.RoomID, p.UserID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	if !ok {
		return store.ErrConflict
	}
	p.ID = row.ID

	if err := ps.client.SAdd(ctx, participantsKey(p.RoomID), p.UserID).Err(); err != nil {
		return fmt.Errorf("index participant: %w", err)
	}
	return ps.publish(ctx, models.RosterInserted, &row)
}

func (ps participants) Reactivate(ctx context.Context, p *models.Participant) error {
	return ps.update(ctx, p.RoomID, p.UserID, func(row *models.Participant) {
		row.IsActive = true
		row.IsMuted = false
		row.LeftAt = nil
		row.Username = p.Username
		row.AvatarURL = p.AvatarURL
		if !p.JoinedAt.IsZero() {
			row.JoinedAt = p.JoinedAt
		}
	})
}

func (ps participants) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	return ps.update(ctx, roomID, userID, func(row *models.Participant) {
		row.IsMuted = muted
	})
}

func (ps participants) Deactivate(ctx context.Context, roomID, userID string, leftAt time.Time) error {
	return ps.update(ctx, roomID, userID, func(row *models.Participant) {
		row.IsActive = false
		t := leftAt.UTC()
		row.LeftAt = &t
	})
}

// update rewrites a row inside an optimistic transaction. Each user only
// writes their own row, so retries are rare.
func (ps participants) update(ctx context.Context, roomID, userID string, fn func(*models.Participant)) error {
	key := participantKey(roomID, userID)
	var updated models.Participant

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var row models.Participant
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("decode participant %s: %w", key, err)
		}
		fn(&row)
		out, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		updated = row
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := ps.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return ps.publish(ctx, models.RosterUpdated, &updated)
	}
	return fmt.Errorf("update participant %s: too much contention", key)
}

func (ps participants) Get(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	data, err := ps.client.Get(ctx, participantKey(roomID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var row models.Participant
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (ps participants) ListActive(ctx context.Context, roomID string) ([]models.Participant, error) {
	users, err := ps.client.SMembers(ctx, participantsKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}

	keys := make([]string, len(users))
	for i, u := range users {
		keys[i] = participantKey(roomID, u)
	}
	vals, err := ps.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []models.Participant
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var row models.Participant
		if err := json.Unmarshal([]byte(s), &row); err != nil {
			return nil, err
		}
		if row.IsActive {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (ps participants) publish(ctx context.Context, kind models.RosterEventKind, row *models.Participant) error {
	data, err := json.Marshal(models.RosterEvent{Kind: kind, Participant: *row})
	if err != nil {
		return err
	}
	return ps.client.Publish(ctx, rosterChannel(row.RoomID), data).Err()
}

func (ps participants) WatchRoster(ctx context.Context, roomID string) (<-chan models.RosterEvent, error) {
	sub := ps.client.Subscribe(ctx, rosterChannel(roomID))
	// Wait for the subscription confirmation so no event published after
	// WatchRoster returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe roster %s: %w", roomID, err)
	}

	out := make(chan models.RosterEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.RosterEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
