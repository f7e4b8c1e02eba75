package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/voice-call/internal/models"
)

const signalTTL = time.Hour

type signals struct {
	client *redis.Client
}

func (ss signals) Insert(ctx context.Context, sig *models.Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	_, err = ss.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, signalsKey(sig.RoomID), sig.ID, data)
		pipe.Expire(ctx, signalsKey(sig.RoomID), signalTTL)
		for _, u := range []string{sig.FromUserID, sig.ToUserID} {
			pipe.SAdd(ctx, signalIndexKey(sig.RoomID, u), sig.ID)
			pipe.Expire(ctx, signalIndexKey(sig.RoomID, u), signalTTL)
		}
		pipe.Publish(ctx, inboxChannel(sig.RoomID, sig.ToUserID), sig.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// take atomically reads and removes a signal. ok is false when the signal was
// purged between notification and delivery.
func (ss signals) take(ctx context.Context, roomID, id string) (models.Signal, bool, error) {
	var get *redis.StringCmd
	_, err := ss.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, signalsKey(roomID), id)
		pipe.HDel(ctx, signalsKey(roomID), id)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return models.Signal{}, false, nil
	}
	if err != nil {
		return models.Signal{}, false, err
	}

	var sig models.Signal
	if err := json.Unmarshal([]byte(get.Val()), &sig); err != nil {
		return models.Signal{}, false, err
	}
	ss.client.SRem(ctx, signalIndexKey(roomID, sig.FromUserID), id)
	ss.client.SRem(ctx, signalIndexKey(roomID, sig.ToUserID), id)
	return sig, true, nil
}

func (ss signals) WatchInbound(ctx context.Context, roomID, userID string) (<-chan models.Signal, error) {
	sub := ss.client.Subscribe(ctx, inboxChannel(roomID, userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe inbox %s/%s: %w", roomID, userID, err)
	}

	out := make(chan models.Signal)
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
				sig, found, err := ss.take(ctx, roomID, msg.Payload)
				if err != nil || !found {
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (ss signals) DeleteForUser(ctx context.Context, roomID, userID string) (int64, error) {
	ids, err := ss.client.SMembers(ctx, signalIndexKey(roomID, userID)).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var del *redis.IntCmd
	_, err = ss.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, signalsKey(roomID), ids...)
		pipe.Del(ctx, signalIndexKey(roomID, userID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete signals for %s: %w", userID, err)
	}
	return del.Val(), nil
}
