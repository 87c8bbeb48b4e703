package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

// DefaultSnapshotTTL is how long a settled snapshot stays readable.
const DefaultSnapshotTTL = 24 * time.Hour

func snapshotKey(taskID string) string { return "task:snapshot:" + taskID }
func sessionKey(key string) string     { return "session:tasks:" + key }

// SnapshotStore mirrors settled task snapshots so they outlive the
// in-memory registry.
type SnapshotStore interface {
	Put(ctx context.Context, s domain.Snapshot) error
	Get(ctx context.Context, taskID string) (domain.Snapshot, error)
	TaskIDs(ctx context.Context, correlationKey string) ([]string, error)
}

type snapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotStore creates a Redis-backed SnapshotStore. A non-positive ttl
// uses DefaultSnapshotTTL.
func NewSnapshotStore(client *redis.Client, ttl time.Duration) SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &snapshotStore{client: client, ttl: ttl}
}

func (s *snapshotStore) Put(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.TaskID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.TaskID), data, s.ttl)
	if snap.CorrelationKey != "" {
		pipe.SAdd(ctx, sessionKey(snap.CorrelationKey), snap.TaskID)
		pipe.Expire(ctx, sessionKey(snap.CorrelationKey), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put snapshot %s: %w", snap.TaskID, err)
	}
	return nil
}

func (s *snapshotStore) Get(ctx context.Context, taskID string) (domain.Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return domain.Snapshot{}, fmt.Errorf("redis get snapshot %s: %w", taskID, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("unmarshal snapshot %s: %w", taskID, err)
	}
	return snap, nil
}

// TaskIDs returns the settled task IDs recorded for a correlation key.
func (s *snapshotStore) TaskIDs(ctx context.Context, correlationKey string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, sessionKey(correlationKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis task ids for %q: %w", correlationKey, err)
	}
	return ids, nil
}

// SnapshotSink writes every settled snapshot published on the bus.
type SnapshotSink struct {
	store SnapshotStore
}

func NewSnapshotSink(store SnapshotStore) *SnapshotSink { return &SnapshotSink{store: store} }

func (s *SnapshotSink) Name() string { return "redis" }

func (s *SnapshotSink) Handle(ctx context.Context, e bus.Event) error {
	snap, ok := e.Payload.(domain.Snapshot)
	if !ok {
		return nil
	}
	return s.store.Put(ctx, snap)
}
