package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window lengths for the two rate-limit granularities.
const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

// CooldownScope distinguishes recipient-level from domain-level cooldowns.
type CooldownScope string

const (
	ScopeRecipient CooldownScope = "recipient"
	ScopeDomain    CooldownScope = "domain"
)

// Lua script for atomic counter increment with expiry-on-create.
// The TTL is only set when the key is freshly created so a steady stream of
// sends cannot keep a window bucket alive past its length.
const incrWithTTLScript = `
local newVal = redis.call("INCRBY", KEYS[1], 1)
if newVal == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return newVal
`

// Store is the Redis-backed counter store. Safe for concurrent use.
type Store struct {
	redis      *redis.Client
	incrScript *redis.Script
}

// New creates a counter store on an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{
		redis:      client,
		incrScript: redis.NewScript(incrWithTTLScript),
	}
}

// NewFromURL creates a counter store by connecting to Redis.
func NewFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return New(client), nil
}

// hourlyKey buckets by floor(epochMillis / 1h) so distinct hours never collide.
func hourlyKey(userID string, now time.Time) string {
	return fmt.Sprintf("email:hourly:%s:%d", userID, now.UnixMilli()/HourWindow.Milliseconds())
}

func dailyKey(userID string, now time.Time) string {
	return fmt.Sprintf("email:daily:%s:%d", userID, now.UnixMilli()/DayWindow.Milliseconds())
}

func cooldownKey(scope CooldownScope, userID, scopeKey string) string {
	return fmt.Sprintf("email:cooldown:%s:%s:%s", scope, userID, scopeKey)
}

func recordedKey(jobID string) string {
	return fmt.Sprintf("email:recorded:%s", jobID)
}

// HourlyCount returns the number of sends recorded in the current hour
// bucket. A missing key reads as zero.
func (s *Store) HourlyCount(ctx context.Context, userID string, now time.Time) (int64, error) {
	return s.getCount(ctx, hourlyKey(userID, now))
}

// DailyCount returns the number of sends recorded in the current day bucket.
func (s *Store) DailyCount(ctx context.Context, userID string, now time.Time) (int64, error) {
	return s.getCount(ctx, dailyKey(userID, now))
}

func (s *Store) getCount(ctx context.Context, key string) (int64, error) {
	val, err := s.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter read %s: %w", key, err)
	}
	return val, nil
}

// IncrementWindows atomically bumps the hourly and daily counters for a
// user, setting each bucket's TTL to its window length on creation.
// Returns the new hourly and daily values.
func (s *Store) IncrementWindows(ctx context.Context, userID string, now time.Time) (hourly, daily int64, err error) {
	hourly, err = s.increment(ctx, hourlyKey(userID, now), HourWindow)
	if err != nil {
		return 0, 0, err
	}
	daily, err = s.increment(ctx, dailyKey(userID, now), DayWindow)
	if err != nil {
		return 0, 0, err
	}
	return hourly, daily, nil
}

func (s *Store) increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.incrScript.Run(ctx, s.redis, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("counter increment %s: %w", key, err)
	}
	return val, nil
}

// SetCooldown writes (or refreshes) a cooldown entry. The value is the
// expiry in epochMillis and the key's TTL matches, so an entry that exists
// is by definition unexpired. Entries are overwritten, not accumulated.
func (s *Store) SetCooldown(ctx context.Context, scope CooldownScope, userID, scopeKey string, ttl time.Duration, now time.Time) error {
	expiry := now.Add(ttl).UnixMilli()
	key := cooldownKey(scope, userID, scopeKey)
	if err := s.redis.Set(ctx, key, expiry, ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown %s: %w", key, err)
	}
	return nil
}

// Cooldown returns the expiry of an active cooldown entry, or ok=false if
// none is in effect. An entry whose stored expiry has passed (clock skew
// between writer and reader) is treated as absent.
func (s *Store) Cooldown(ctx context.Context, scope CooldownScope, userID, scopeKey string, now time.Time) (expiry time.Time, ok bool, err error) {
	val, err := s.redis.Get(ctx, cooldownKey(scope, userID, scopeKey)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cooldown read: %w", err)
	}

	millis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed cooldown value %q: %w", val, err)
	}
	exp := time.UnixMilli(millis)
	if !exp.After(now) {
		return time.Time{}, false, nil
	}
	return exp, true, nil
}

// Usage reads both window counters in one round trip.
func (s *Store) Usage(ctx context.Context, userID string, now time.Time) (hourly, daily int64, err error) {
	pipe := s.redis.Pipeline()
	hourCmd := pipe.Get(ctx, hourlyKey(userID, now))
	dayCmd := pipe.Get(ctx, dailyKey(userID, now))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("usage read: %w", err)
	}

	hourly, _ = hourCmd.Int64()
	daily, _ = dayCmd.Int64()
	return hourly, daily, nil
}

// MarkRecorded claims the idempotency token for a delivered job. Returns
// true exactly once per job ID; a redelivered success signal gets false and
// must not touch the counters or the ledger again. The marker outlives the
// longest retry horizon by an order of magnitude (24h).
func (s *Store) MarkRecorded(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, recordedKey(jobID), time.Now().UnixMilli(), DayWindow).Result()
	if err != nil {
		return false, fmt.Errorf("mark recorded %s: %w", jobID, err)
	}
	return ok, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.redis.Close()
}
