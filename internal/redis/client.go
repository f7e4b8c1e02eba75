package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/voice-call/config"
	"github.com/mossy-p/voice-call/internal/store"
	"github.com/redis/go-redis/v9"
)

// Store keeps participant rows and signals in Redis and relays change feeds
// over Redis pub/sub.
type Store struct {
	client *redis.Client
}

var _ store.Store = (*Store)(nil)

// Connect dials Redis and verifies the connection with a PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Participants() store.ParticipantStore { return participants{s.client} }

func (s *Store) Signals() store.SignalStore { return signals{s.client} }

func participantKey(roomID, userID string) string {
	return "call:" + roomID + ":participant:" + userID
}

func participantsKey(roomID string) string {
	return "call:" + roomID + ":participants"
}

func rosterChannel(roomID string) string {
	return "call:" + roomID + ":roster"
}

func signalsKey(roomID string) string {
	return "call:" + roomID + ":signals"
}

func signalIndexKey(roomID, userID string) string {
	return "call:" + roomID + ":signals:" + userID
}

func inboxChannel(roomID, userID string) string {
	return "call:" + roomID + ":inbox:" + userID
}
