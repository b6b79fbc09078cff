package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "clms:preload:state:"
	eventsKeyPrefix = "clms:preload:events:"
	recentKey       = "clms:preload:recent"
	recentLimit     = 1000
	defaultStateTTL = 7 * 24 * time.Hour
)

func recordKey(id string) string { return recordKeyPrefix + id }
func eventsKey(id string) string { return eventsKeyPrefix + id }

// RedisMirror persists records so other processes can observe a run.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

// Save writes rec if the stored stage permits the transition. A Pending
// record always replaces the stored one and clears its event log.
func (m *RedisMirror) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" || !rec.Stage.Valid() {
		return fmt.Errorf("state: invalid record id=%q stage=%q", rec.ID, rec.Stage)
	}
	key := recordKey(rec.ID)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	return m.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, key, "stage").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		prevStage := Stage(prev)
		if rec.Stage != Pending && prevStage != "" && !IsAllowedTransition(prevStage, rec.Stage) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, rec.ID, prevStage, rec.Stage)
		}
		pipe := tx.TxPipeline()
		if rec.Stage == Pending {
			pipe.Del(ctx, eventsKey(rec.ID))
		}
		pipe.HSet(ctx, key, map[string]any{
			"stage":      string(rec.Stage),
			"record":     string(payload),
			"updated_at": now.Unix(),
		})
		pipe.RPush(ctx, eventsKey(rec.ID), fmt.Sprintf("%d|%s", now.Unix(), rec.Stage))
		pipe.ZAdd(ctx, recentKey, redis.Z{Score: float64(now.Unix()), Member: rec.ID})
		pipe.ZRemRangeByRank(ctx, recentKey, 0, -(recentLimit + 1))
		pipe.Expire(ctx, key, m.ttl)
		pipe.Expire(ctx, eventsKey(rec.ID), m.ttl)
		_, execErr := pipe.Exec(ctx)
		return execErr
	}, key)
}

// Load returns the stored record for id.
func (m *RedisMirror) Load(ctx context.Context, id string) (Record, error) {
	raw, err := m.client.HGet(ctx, recordKey(id), "record").Result()
	if err == redis.Nil {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("state: decode record %s: %w", id, err)
	}
	return rec, nil
}

// Events returns the "unix|stage" log of id in order.
func (m *RedisMirror) Events(ctx context.Context, id string) ([]string, error) {
	return m.client.LRange(ctx, eventsKey(id), 0, -1).Result()
}

// Recent returns up to limit records, most recently updated first.
func (m *RedisMirror) Recent(ctx context.Context, limit int64) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := m.client.ZRevRange(ctx, recentKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := m.Load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
