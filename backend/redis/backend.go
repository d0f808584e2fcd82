// Package redis implements result.Backend on Redis. Outcome records
// are JSON strings with a TTL, bulk joins use MGET, and chords fire
// natively: an atomic counter on part return decides exactly one
// winner to submit the body, with no polling detector involved.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisbackend.New(client)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// Compile-time interface check.
var _ result.Backend = (*Backend)(nil)

// DefaultTTL is how long outcome records live before Redis expires
// them. Cleanup is therefore a no-op here.
const DefaultTTL = 24 * time.Hour

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithTTL overrides the record expiry.
func WithTTL(ttl time.Duration) Option {
	return func(b *Backend) { b.ttl = ttl }
}

// Backend implements result.Backend backed by Redis.
type Backend struct {
	client redis.Cmdable
	logger *slog.Logger
	ttl    time.Duration
}

// New creates a Redis-backed result backend. The caller owns the Redis
// client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Backend {
	b := &Backend{client: client, logger: slog.Default(), ttl: DefaultTTL}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Client returns the underlying Redis client.
func (b *Backend) Client() redis.Cmdable { return b.client }

// Ping verifies the Redis connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Capabilities implements result.Backend.
func (b *Backend) Capabilities() result.Capabilities {
	return result.Capabilities{NativeJoin: true, NativeChord: true}
}

// Store implements result.Backend.
func (b *Backend) Store(ctx context.Context, meta *result.Meta) error {
	cp := *meta
	if cp.StoredAt.IsZero() {
		cp.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("redis: encode meta %s: %w", cp.TaskID, err)
	}
	if err := b.client.Set(ctx, metaKey(cp.TaskID.String()), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis: store meta %s: %w", cp.TaskID, err)
	}
	return nil
}

// Get implements result.Backend. Unknown ids read as pending.
func (b *Backend) Get(ctx context.Context, taskID id.TaskID) (*result.Meta, error) {
	data, err := b.client.Get(ctx, metaKey(taskID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return &result.Meta{TaskID: taskID, State: result.StatePending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get meta %s: %w", taskID, err)
	}
	var meta result.Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("redis: decode meta %s: %w", taskID, err)
	}
	return &meta, nil
}

// Ready implements result.Backend.
func (b *Backend) Ready(ctx context.Context, taskID id.TaskID) (bool, error) {
	meta, err := b.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return meta.State.Ready(), nil
}

// BulkReady implements result.Backend. One MGET for the whole set.
func (b *Backend) BulkReady(ctx context.Context, ids []id.TaskID) (bool, error) {
	metas, err := b.BulkGet(ctx, ids)
	if err != nil {
		return false, err
	}
	for _, meta := range metas {
		if !meta.State.Ready() {
			return false, nil
		}
	}
	return true, nil
}

// BulkGet implements result.Backend. Results come back in input order.
func (b *Backend) BulkGet(ctx context.Context, ids []id.TaskID) ([]*result.Meta, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, tid := range ids {
		keys[i] = metaKey(tid.String())
	}
	raw, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: bulk get: %w", err)
	}

	out := make([]*result.Meta, len(ids))
	for i, v := range raw {
		if v == nil {
			out[i] = &result.Meta{TaskID: ids[i], State: result.StatePending}
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("redis: bulk get %s: unexpected value type %T", ids[i], v)
		}
		var meta result.Meta
		if err := json.Unmarshal([]byte(s), &meta); err != nil {
			return nil, fmt.Errorf("redis: decode meta %s: %w", ids[i], err)
		}
		out[i] = &meta
	}
	return out, nil
}

// OnChordApply implements result.Backend. The request is persisted so
// the final part return can join and fire; no detector is scheduled.
func (b *Backend) OnChordApply(ctx context.Context, req *result.ChordRequest, _ result.Scheduler) error {
	kwargs, err := req.Kwargs()
	if err != nil {
		return err
	}
	data, err := json.Marshal(kwargs)
	if err != nil {
		return fmt.Errorf("redis: encode chord request %s: %w", req.GroupID, err)
	}
	gid := req.GroupID.String()
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, chordRequestKey(gid), data, b.ttl)
	pipe.Del(ctx, chordCountKey(gid))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: register chord %s: %w", req.GroupID, err)
	}
	return nil
}

// ChordPartReturn implements result.Backend. INCR on the group counter
// makes the invocation that lands the final part the single winner.
func (b *Backend) ChordPartReturn(ctx context.Context, _ *task.Signature, meta *result.Meta, sched result.Scheduler) error {
	if meta.GroupID.IsNil() {
		return nil
	}
	gid := meta.GroupID.String()

	data, err := b.client.Get(ctx, chordRequestKey(gid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil // not a chord header, or already fired
	}
	if err != nil {
		return fmt.Errorf("redis: get chord request %s: %w", gid, err)
	}
	req, err := decodeChordRequest(data)
	if err != nil {
		return err
	}

	n, err := b.client.Incr(ctx, chordCountKey(gid)).Result()
	if err != nil {
		return fmt.Errorf("redis: count chord part %s: %w", gid, err)
	}
	b.client.Expire(ctx, chordCountKey(gid), b.ttl)
	if n != int64(len(req.ResultIDs)) {
		return nil
	}

	if err := result.FireChordBody(ctx, b, req, sched); err != nil {
		return err
	}
	if err := b.client.Del(ctx, chordRequestKey(gid), chordCountKey(gid)).Err(); err != nil {
		b.logger.Warn("chord key cleanup failed", "group_id", gid, "error", err)
	}
	return nil
}

// Forget implements result.Backend.
func (b *Backend) Forget(ctx context.Context, taskID id.TaskID) error {
	if err := b.client.Del(ctx, metaKey(taskID.String())).Err(); err != nil {
		return fmt.Errorf("redis: forget %s: %w", taskID, err)
	}
	return nil
}

// Cleanup implements result.Backend. Redis expires records via TTL, so
// there is nothing to sweep.
func (b *Backend) Cleanup(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (b *Backend) Close() error { return nil }

func decodeChordRequest(data []byte) (*result.ChordRequest, error) {
	var kwargs map[string]any
	if err := json.Unmarshal(data, &kwargs); err != nil {
		return nil, fmt.Errorf("redis: decode chord request: %w", err)
	}
	return result.ParseChordRequest(kwargs)
}
