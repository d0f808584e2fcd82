// Package beat runs periodic task submission on cron schedules. Each
// entry holds a signature template; every fire submits a fresh clone
// with its own task id, so repeated runs never collide in the result
// backend.
package beat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry is one scheduled submission.
type Entry struct {
	Name      string
	Schedule  string
	Signature *task.Signature

	sched     cronlib.Schedule
	nextRunAt time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithTickInterval sets how often the runner checks for due entries.
func WithTickInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.tickInterval = d
		}
	}
}

// Runner fires cron entries on a tick loop and submits their
// signatures through the scheduler.
type Runner struct {
	sched  result.Scheduler
	logger *slog.Logger

	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a Runner that submits via sched.
func NewRunner(sched result.Scheduler, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		sched:        sched,
		logger:       logger,
		tickInterval: time.Second,
		entries:      make(map[string]*Entry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a named entry. The signature is a template; it is
// cloned with a fresh task id on every fire.
func (r *Runner) Add(name, schedule string, sig *task.Signature) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("beat: parse schedule %q for %s: %w", schedule, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("beat: entry %q already registered", name)
	}
	r.entries[name] = &Entry{
		Name:      name,
		Schedule:  schedule,
		Signature: sig,
		sched:     sched,
		nextRunAt: sched.Next(time.Now().UTC()),
	}
	return nil
}

// Remove deletes a named entry.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// Entries returns the registered entry names.
func (r *Runner) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Start launches the tick loop. It returns immediately.
func (r *Runner) Start(_ context.Context) error {
	r.wg.Add(1)
	go r.tickLoop()
	r.logger.Info("beat started", slog.Duration("tick_interval", r.tickInterval))
	return nil
}

// Stop signals the runner to stop and waits for the loop to finish.
func (r *Runner) Stop(_ context.Context) error {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("beat stopped")
	return nil
}

func (r *Runner) tickLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	now := time.Now().UTC()

	r.mu.Lock()
	var due []*Entry
	for _, entry := range r.entries {
		if !entry.nextRunAt.After(now) {
			due = append(due, entry)
			entry.nextRunAt = entry.sched.Next(now)
		}
	}
	r.mu.Unlock()

	for _, entry := range due {
		r.fire(entry)
	}
}

func (r *Runner) fire(entry *Entry) {
	sig := entry.Signature.Clone(nil)
	sig.Set(task.WithTaskID(id.NewTaskID()))

	if err := r.sched.Submit(context.Background(), sig); err != nil {
		r.logger.Error("beat submit error",
			slog.String("entry", entry.Name),
			slog.String("task", sig.Task),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("beat fired",
		slog.String("entry", entry.Name),
		slog.String("task", sig.Task),
		slog.String("task_id", sig.Options.TaskID.String()),
	)
}
