// Package cache provides the KV side of the durable store: competition
// snapshots for crash recovery, the per-competition event-log tail, and
// spectator vote aggregates.
//
// The Redis adapter wraps go-redis v9. When no Redis address is
// configured the process falls back to the in-memory store in main.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/events"
)

// Store is the KV surface consumed by the arena, the gateway, and the
// persistent event bus.
type Store interface {
	WriteSnapshot(ctx context.Context, snap *core.Snapshot) error
	ReadAllSnapshots(ctx context.Context) ([]*core.Snapshot, error)
	RemoveSnapshot(ctx context.Context, competitionID string) error

	AppendEvent(ctx context.Context, competitionID string, ev *events.StreamEvent) error
	ReadEvents(ctx context.Context, competitionID string, since time.Time) ([]*events.StreamEvent, error)

	IncrVote(ctx context.Context, competitionID string, voteType, agentID string) (int64, error)
	ReadVotes(ctx context.Context, competitionID string) (map[string]int64, error)

	Close() error
}

const (
	snapshotKeyPrefix = "snapshot:competition:"
	snapshotIndexKey  = "snapshots:index"
	eventLogKeyPrefix = "eventlog:competition:"
	votesKeyPrefix    = "votes:competition:"

	// eventLogCap bounds each competition's log tail; retention beyond
	// this is operator policy.
	eventLogCap = 10000
	eventLogTTL = 7 * 24 * time.Hour
)

// Redis implements Store on go-redis v9.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings, returning an error for the caller to
// decide on fallback.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &Redis{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (r *Redis) WriteSnapshot(ctx context.Context, snap *core.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKeyPrefix+snap.CompetitionID, payload, 0)
	pipe.SAdd(ctx, snapshotIndexKey, snap.CompetitionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) ReadAllSnapshots(ctx context.Context) ([]*core.Snapshot, error) {
	ids, err := r.rdb.SMembers(ctx, snapshotIndexKey).Result()
	if err != nil {
		return nil, err
	}

	snaps := make([]*core.Snapshot, 0, len(ids))
	for _, id := range ids {
		raw, err := r.rdb.Get(ctx, snapshotKeyPrefix+id).Bytes()
		if err == redis.Nil {
			// index points at a vanished key; self-heal
			r.rdb.SRem(ctx, snapshotIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		var snap core.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			slog.Warn("dropping unreadable snapshot", "competition_id", id, "err", err)
			continue
		}
		snaps = append(snaps, &snap)
	}
	return snaps, nil
}

func (r *Redis) RemoveSnapshot(ctx context.Context, competitionID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, snapshotKeyPrefix+competitionID)
	pipe.SRem(ctx, snapshotIndexKey, competitionID)
	_, err := pipe.Exec(ctx)
	return err
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (r *Redis) AppendEvent(ctx context.Context, competitionID string, ev *events.StreamEvent) error {
	payload, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := eventLogKeyPrefix + competitionID
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -eventLogCap, -1)
	pipe.Expire(ctx, key, eventLogTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) ReadEvents(ctx context.Context, competitionID string, since time.Time) ([]*events.StreamEvent, error) {
	raws, err := r.rdb.LRange(ctx, eventLogKeyPrefix+competitionID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*events.StreamEvent, 0, len(raws))
	for _, raw := range raws {
		var ev events.StreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			slog.Warn("skipping unreadable log entry", "competition_id", competitionID, "err", err)
			continue
		}
		if since.IsZero() || ev.Timestamp.After(since) {
			out = append(out, &ev)
		}
	}
	return out, nil
}

// =============================================================================
// VOTE AGGREGATES
// =============================================================================

func (r *Redis) IncrVote(ctx context.Context, competitionID string, voteType, agentID string) (int64, error) {
	field := voteType + ":" + agentID
	return r.rdb.HIncrBy(ctx, votesKeyPrefix+competitionID, field, 1).Result()
}

func (r *Redis) ReadVotes(ctx context.Context, competitionID string) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, votesKeyPrefix+competitionID).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}

var _ Store = (*Redis)(nil)
var _ events.EventLog = (*Redis)(nil)
