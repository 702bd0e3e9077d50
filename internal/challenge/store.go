package challenge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for challenge projection hashes.
	KeyPrefix = "challenge:"

	// IndexKey is the Redis set of all tracked challenge IDs.
	IndexKey = "challenge:index"

	// ProjectionTTL is how long a projection lives without being refreshed.
	ProjectionTTL = 24 * time.Hour
)

// Store persists challenge projections in Redis so a restart does not lose
// tracked state. Writes go through a Lua compare-and-set on the version
// field: stale versions are rejected atomically, which keeps duplicate and
// out-of-order deliveries idempotent even across engine instances.
type Store struct {
	rdb         *redis.Client
	applyScript *redis.Script
}

// NewStore creates a projection store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:         rdb,
		applyScript: redis.NewScript(applyLua),
	}
}

// Apply writes the projection if its version is strictly newer than the
// stored one. Returns true if the write was applied, false if it was
// rejected as stale.
func (s *Store) Apply(ctx context.Context, ch Challenge) (bool, error) {
	key := KeyPrefix + strconv.FormatInt(ch.ID, 10)
	res, err := s.applyScript.Run(ctx, s.rdb, []string{key, IndexKey},
		ch.Version,
		ch.ID,
		ch.ChallengerID,
		ch.ChallengedID,
		ch.Title,
		ch.Category,
		ch.Amount,
		string(ch.Status),
		ch.CreatedAt.Unix(),
		ch.DueDate.Unix(),
		int(ProjectionTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("challenge: apply projection: %w", err)
	}
	return res == 1, nil
}

// Get retrieves a single projection. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id int64) (*Challenge, error) {
	key := KeyPrefix + strconv.FormatInt(id, 10)
	result, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	ch := fromHash(id, result)
	return &ch, nil
}

// Load returns every projection referenced by the index set. Dangling index
// entries (expired hashes) are skipped.
func (s *Store) Load(ctx context.Context) ([]Challenge, error) {
	ids, err := s.rdb.SMembers(ctx, IndexKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Challenge, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		ch, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			out = append(out, *ch)
		}
	}
	return out, nil
}

// Delete removes a projection and its index entry.
func (s *Store) Delete(ctx context.Context, id int64) error {
	key := KeyPrefix + strconv.FormatInt(id, 10)
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, IndexKey, strconv.FormatInt(id, 10))
	_, err := pipe.Exec(ctx)
	return err
}

// fromHash rebuilds a Challenge from its Redis hash fields.
func fromHash(id int64, h map[string]string) Challenge {
	version, _ := strconv.ParseInt(h["version"], 10, 64)
	createdAt, _ := strconv.ParseInt(h["created_at"], 10, 64)
	dueDate, _ := strconv.ParseInt(h["due_date"], 10, 64)

	return Challenge{
		ID:           id,
		ChallengerID: h["challenger_id"],
		ChallengedID: h["challenged_id"],
		Title:        h["title"],
		Category:     h["category"],
		Amount:       h["amount"],
		Status:       Status(h["status"]),
		Version:      version,
		CreatedAt:    time.Unix(createdAt, 0),
		DueDate:      time.Unix(dueDate, 0),
	}
}

// applyLua atomically writes a projection only when the incoming version is
// strictly newer than the stored one.
const applyLua = `
local key = KEYS[1]
local index = KEYS[2]
local version = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
    return 0
end

redis.call('HSET', key,
    'version', ARGV[1],
    'challenger_id', ARGV[3],
    'challenged_id', ARGV[4],
    'title', ARGV[5],
    'category', ARGV[6],
    'amount', ARGV[7],
    'status', ARGV[8],
    'created_at', ARGV[9],
    'due_date', ARGV[10])
redis.call('EXPIRE', key, tonumber(ARGV[11]))
redis.call('SADD', index, ARGV[2])
return 1
`
