// Package redis stores the latest send time per dedup key in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bissquit/medication-reminders/internal/dedup"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "medrem:dedup:"

// Store implements dedup.Store on Redis. It keeps the latest send per key
// and the send time of each slot, all expiring after ttl.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore creates a Redis dedup store. ttl must cover the longest look-back
// of any caller (the dedup window and the soft reminder delay).
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// Connect parses url, connects and pings.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// recordScript claims the slot key and moves the latest send time of the
// dedup key forward only. It returns 0 when the slot was already recorded.
var recordScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 0
end
local last = redis.call('GET', KEYS[2])
if not last or tonumber(last) < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
return 1
`)

// redisKey hash-tags the dedup key so both keys of a record share a
// cluster slot.
func redisKey(key domain.DedupKey) string {
	return keyPrefix + "{" + key.SubjectID + ":" + string(key.Kind) + ":" + key.ProtocolID + "}"
}

func slotKey(key domain.DedupKey, slot time.Time) string {
	return redisKey(key) + ":slot:" + strconv.FormatInt(slot.Unix(), 10)
}

// LastSent implements dedup.Store.
func (s *Store) LastSent(ctx context.Context, key domain.DedupKey) (time.Time, bool, error) {
	return s.getMillis(ctx, redisKey(key))
}

// SentForSlot implements dedup.Store.
func (s *Store) SentForSlot(ctx context.Context, key domain.DedupKey, slot time.Time) (time.Time, bool, error) {
	return s.getMillis(ctx, slotKey(key, slot))
}

func (s *Store) getMillis(ctx context.Context, k string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, k).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get %s: %w", k, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Record implements dedup.Store. A repeated record for the same slot is a
// no-op, and a late record for an older send never moves LastSent back.
func (s *Store) Record(ctx context.Context, key domain.DedupKey, rec dedup.SendRecord) error {
	keys := []string{slotKey(key, rec.Slot), redisKey(key)}
	if err := recordScript.Run(ctx, s.client, keys, rec.SentAt.UnixMilli(), s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("record %s: %w", redisKey(key), err)
	}
	return nil
}
