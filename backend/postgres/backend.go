// Package postgres implements result.Backend on PostgreSQL. Outcome
// records live in one table with JSONB values; bulk joins read the
// whole set in a single query. Chords use the polling completion
// detector rather than a native counter, since counting over SQL
// offers no advantage there.
//
// Usage:
//
//	pool, err := pgxpool.New(ctx, dsn)
//	b := pgbackend.New(pool)
//	if err := b.Migrate(ctx); err != nil { ... }
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// Compile-time interface check.
var _ result.Backend = (*Backend)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS canvas_results (
	task_id   TEXT PRIMARY KEY,
	group_id  TEXT NOT NULL DEFAULT '',
	state     TEXT NOT NULL,
	value     JSONB,
	error     TEXT NOT NULL DEFAULT '',
	stored_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS canvas_results_stored_at_idx ON canvas_results (stored_at);
`

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// Backend implements result.Backend backed by PostgreSQL.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a PostgreSQL-backed result backend. The caller owns the
// pool lifecycle.
func New(pool *pgxpool.Pool, opts ...Option) *Backend {
	b := &Backend{pool: pool, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Pool returns the underlying connection pool.
func (b *Backend) Pool() *pgxpool.Pool { return b.pool }

// Migrate creates the results table if it does not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Capabilities implements result.Backend.
func (b *Backend) Capabilities() result.Capabilities {
	return result.Capabilities{NativeJoin: true, NativeChord: false}
}

// Store implements result.Backend. Upsert keyed on task id.
func (b *Backend) Store(ctx context.Context, meta *result.Meta) error {
	value, err := json.Marshal(meta.Value)
	if err != nil {
		return fmt.Errorf("postgres: encode value %s: %w", meta.TaskID, err)
	}
	storedAt := meta.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	groupID := ""
	if !meta.GroupID.IsNil() {
		groupID = meta.GroupID.String()
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO canvas_results (task_id, group_id, state, value, error, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			state = EXCLUDED.state,
			value = EXCLUDED.value,
			error = EXCLUDED.error,
			stored_at = EXCLUDED.stored_at`,
		meta.TaskID.String(), groupID, string(meta.State), value, meta.Error, storedAt)
	if err != nil {
		return fmt.Errorf("postgres: store meta %s: %w", meta.TaskID, err)
	}
	return nil
}

// Get implements result.Backend. Unknown ids read as pending.
func (b *Backend) Get(ctx context.Context, taskID id.TaskID) (*result.Meta, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT task_id, group_id, state, value, error, stored_at
		FROM canvas_results WHERE task_id = $1`, taskID.String())
	meta, err := scanMeta(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return &result.Meta{TaskID: taskID, State: result.StatePending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get meta %s: %w", taskID, err)
	}
	return meta, nil
}

// Ready implements result.Backend.
func (b *Backend) Ready(ctx context.Context, taskID id.TaskID) (bool, error) {
	meta, err := b.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return meta.State.Ready(), nil
}

// BulkReady implements result.Backend. One COUNT over the set.
func (b *Backend) BulkReady(ctx context.Context, ids []id.TaskID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	var n int
	err := b.pool.QueryRow(ctx, `
		SELECT count(*) FROM canvas_results
		WHERE task_id = ANY($1) AND state IN ($2, $3)`,
		idStrings(ids), string(result.StateSuccess), string(result.StateFailure)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("postgres: bulk ready: %w", err)
	}
	return n == len(ids), nil
}

// BulkGet implements result.Backend. Results come back in input order.
func (b *Backend) BulkGet(ctx context.Context, ids []id.TaskID) ([]*result.Meta, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := b.pool.Query(ctx, `
		SELECT task_id, group_id, state, value, error, stored_at
		FROM canvas_results WHERE task_id = ANY($1)`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: bulk get: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*result.Meta, len(ids))
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: bulk get: %w", err)
		}
		byID[meta.TaskID.String()] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: bulk get: %w", err)
	}

	out := make([]*result.Meta, len(ids))
	for i, tid := range ids {
		if meta, ok := byID[tid.String()]; ok {
			out[i] = meta
		} else {
			out[i] = &result.Meta{TaskID: tid, State: result.StatePending}
		}
	}
	return out, nil
}

// OnChordApply implements result.Backend by scheduling the completion
// detector.
func (b *Backend) OnChordApply(ctx context.Context, req *result.ChordRequest, sched result.Scheduler) error {
	return result.ScheduleUnlock(ctx, req, sched)
}

// ChordPartReturn implements result.Backend. The polling detector owns
// chord completion here, so part returns need no bookkeeping.
func (b *Backend) ChordPartReturn(_ context.Context, _ *task.Signature, _ *result.Meta, _ result.Scheduler) error {
	return nil
}

// Forget implements result.Backend.
func (b *Backend) Forget(ctx context.Context, taskID id.TaskID) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM canvas_results WHERE task_id = $1`, taskID.String()); err != nil {
		return fmt.Errorf("postgres: forget %s: %w", taskID, err)
	}
	return nil
}

// Cleanup implements result.Backend. Removes records stored more than
// olderThan ago.
func (b *Backend) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := b.pool.Exec(ctx, `DELETE FROM canvas_results WHERE stored_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op — the caller owns the pool lifecycle.
func (b *Backend) Close() error { return nil }

func scanMeta(row pgx.Row) (*result.Meta, error) {
	var (
		taskID, groupID, state, errMsg string
		value                          []byte
		storedAt                       time.Time
	)
	if err := row.Scan(&taskID, &groupID, &state, &value, &errMsg, &storedAt); err != nil {
		return nil, err
	}

	meta := &result.Meta{
		State:    result.State(state),
		Error:    errMsg,
		StoredAt: storedAt,
	}
	tid, err := id.ParseAny(taskID)
	if err != nil {
		return nil, err
	}
	meta.TaskID = tid
	if groupID != "" {
		gid, err := id.ParseAny(groupID)
		if err != nil {
			return nil, err
		}
		meta.GroupID = gid
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &meta.Value); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

func idStrings(ids []id.TaskID) []string {
	out := make([]string, len(ids))
	for i, tid := range ids {
		out[i] = tid.String()
	}
	return out
}
