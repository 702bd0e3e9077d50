package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ReadSetPrefix is the Redis key prefix for per-user read-ID sets.
	ReadSetPrefix = "notifread:"

	// ReadSetTTL is the time-to-live for read-state keys. Notifications
	// older than this are gone from the backing list anyway.
	ReadSetTTL = 30 * 24 * time.Hour
)

// Store persists the set of read notification IDs in Redis, keyed per user.
type Store struct {
	client *redis.Client
	userID string
}

// NewStore creates a read-state store for userID.
func NewStore(client *redis.Client, userID string) *Store {
	return &Store{client: client, userID: userID}
}

func (s *Store) key() string {
	return ReadSetPrefix + s.userID
}

// MarkRead adds id to the user's read set and refreshes the TTL.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.key(), id)
	pipe.Expire(ctx, s.key(), ReadSetTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadIDs returns the user's read set as a lookup map.
func (s *Store) ReadIDs(ctx context.Context) (map[string]bool, error) {
	ids, err := s.client.SMembers(ctx, s.key()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
