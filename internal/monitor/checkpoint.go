package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const checkpointKey = "custody:monitor:checkpoint"

// Checkpoint records how far the historical catch-up scan has progressed.
// LastCatchupAt gates repeat runs behind a cooldown so a crash-looping
// process cannot hammer the node with getLogs ranges.
type Checkpoint struct {
	LastBlock     uint64    `json:"last_block"`
	LastCatchupAt time.Time `json:"last_catchup_at"`
}

// CheckpointStore persists the scan checkpoint in Redis. Losing it is safe:
// the monitor falls back to the ledger high-water mark, then to a fixed
// depth behind the chain head.
type CheckpointStore struct {
	rdb *redis.Client
}

// NewCheckpointStore connects to Redis and verifies the connection.
func NewCheckpointStore(ctx context.Context, url string) (*CheckpointStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &CheckpointStore{rdb: rdb}, nil
}

// Load returns the stored checkpoint, or nil when none exists yet.
func (s *CheckpointStore) Load(ctx context.Context) (*Checkpoint, error) {
	raw, err := s.rdb.Get(ctx, checkpointKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint payload: %w", err)
	}
	return &cp, nil
}

// Save overwrites the stored checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, checkpointKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *CheckpointStore) Close() error {
	return s.rdb.Close()
}
