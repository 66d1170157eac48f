package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"callsync/internal/calls"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

const (
	presenceUserPrefix = "presence:user:"
	presenceRoomPrefix = "presence:room:"
)

// putPresenceScript writes a user's record and moves them between room sets
// atomically. Both keys expire with the record, so a silent user disappears.
// Every key it touches is declared in KEYS. It returns 0 without writing when
// the stored room no longer matches the one the caller read.
var putPresenceScript = redis.NewScript(`
-- KEYS[1] = user presence hash
-- KEYS[ARGV[4]] = previous room set (index 0 when none)
-- KEYS[ARGV[5]] = new room set (index 0 when not in a call)
-- ARGV[1] = record json
-- ARGV[2] = ttl_ms
-- ARGV[3] = user id
-- ARGV[6] = previous room as read by the caller
-- ARGV[7] = new room
local prev = redis.call('HGET', KEYS[1], 'room') or ''
if prev ~= ARGV[6] then
  return 0
end
local pi = tonumber(ARGV[4])
local ni = tonumber(ARGV[5])
if pi > 0 then
  redis.call('SREM', KEYS[pi], ARGV[3])
end
redis.call('HSET', KEYS[1], 'record', ARGV[1], 'room', ARGV[7])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if ni > 0 then
  redis.call('SADD', KEYS[ni], ARGV[3])
  redis.call('PEXPIRE', KEYS[ni], ARGV[2])
end
return 1
`)

// putPresenceAttempts bounds retries when concurrent writers move a user.
const putPresenceAttempts = 3

// RedisPresence keeps presence in Redis with key expiry as the staleness bound.
type RedisPresence struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock clock.Clock
}

var _ Presence = (*RedisPresence)(nil)

func NewRedisPresence(rdb *redis.Client, ttl time.Duration, clk clock.Clock) *RedisPresence {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, clock: clk}
}

func (p *RedisPresence) Put(ctx context.Context, rec calls.PresenceRecord) error {
	if rec.UserID == "" {
		return errors.New("store: presence user id required")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	room := ""
	if rec.Activity == calls.ActivityInCall {
		room = rec.Room
	}

	userKey := presenceUserPrefix + rec.UserID
	for attempt := 0; attempt < putPresenceAttempts; attempt++ {
		prev, err := p.rdb.HGet(ctx, userKey, "room").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		keys := []string{userKey}
		prevIdx, roomIdx := 0, 0
		if prev != "" && prev != room {
			keys = append(keys, presenceRoomPrefix+prev)
			prevIdx = len(keys)
		}
		if room != "" {
			keys = append(keys, presenceRoomPrefix+room)
			roomIdx = len(keys)
		}

		done, err := putPresenceScript.Run(ctx, p.rdb, keys,
			string(body), p.ttl.Milliseconds(), rec.UserID, prevIdx, roomIdx, prev, room,
		).Int()
		if err != nil {
			return err
		}
		if done == 1 {
			return nil
		}
	}
	return fmt.Errorf("store: presence for %s changed concurrently", rec.UserID)
}

func (p *RedisPresence) Get(ctx context.Context, userID string) (calls.PresenceRecord, bool, error) {
	raw, err := p.rdb.HGet(ctx, presenceUserPrefix+userID, "record").Result()
	if errors.Is(err, redis.Nil) {
		return calls.PresenceRecord{}, false, nil
	}
	if err != nil {
		return calls.PresenceRecord{}, false, err
	}
	rec, err := decodePresence(raw)
	if err != nil {
		return calls.PresenceRecord{}, false, err
	}
	if !rec.Fresh(p.clock.Now(), p.ttl) {
		return calls.PresenceRecord{}, false, nil
	}
	return rec, true, nil
}

func (p *RedisPresence) InRoom(ctx context.Context, room string) ([]calls.PresenceRecord, error) {
	roomKey := presenceRoomPrefix + room
	members, err := p.rdb.SMembers(ctx, roomKey).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(members))
	if _, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGet(ctx, presenceUserPrefix+m, "record")
		}
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	now := p.clock.Now()
	var out []calls.PresenceRecord
	var gone []any
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			gone = append(gone, members[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodePresence(raw)
		if err != nil {
			return nil, err
		}
		if rec.Activity == calls.ActivityInCall && rec.Room == room && rec.Fresh(now, p.ttl) {
			out = append(out, rec)
		}
	}
	if len(gone) > 0 {
		// Members whose record expired.
		_ = p.rdb.SRem(ctx, roomKey, gone...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func decodePresence(raw string) (calls.PresenceRecord, error) {
	var rec calls.PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return calls.PresenceRecord{}, fmt.Errorf("store: decode presence: %w", err)
	}
	return rec, nil
}
