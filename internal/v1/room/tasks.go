package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/scheduler"
)

// ErrTaskExists is returned when a task id is registered twice on one room.
var ErrTaskExists = errors.New("task already registered")

// TaskSpec describes one periodic task bound to a room. The task runs only
// while the room is active and, when LeaderOnly is set, on at most one
// instance of the cluster at a time.
type TaskSpec struct {
	ID       string
	Interval time.Duration

	// LockDuration is the leader lease length for LeaderOnly tasks.
	LockDuration time.Duration

	// RunOnActivation fires the task once as soon as it starts instead of
	// waiting out the first interval.
	RunOnActivation bool

	// AllowOverlap lets a new run start while the previous one is still
	// going; the default skips and counts the missed run.
	AllowOverlap bool

	// LeaderOnly elects a single runner across the cluster via the
	// scheduler's lock manager.
	LeaderOnly bool

	Handler func(ctx context.Context, r *Room) error
}

// ScheduleTask registers the task on the room. If the room is already
// active the task starts immediately, otherwise it starts on the next
// activation. Duplicate ids are rejected.
func (r *Room) ScheduleTask(spec TaskSpec) error {
	if spec.ID == "" || spec.Handler == nil {
		return errors.New("task requires an id and a handler")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, dup := r.tasks[spec.ID]; dup {
		r.mu.Unlock()
		return ErrTaskExists
	}
	r.tasks[spec.ID] = spec
	active := r.active
	r.mu.Unlock()

	if active {
		r.startTask(spec)
	}
	return nil
}

// StopTask unregisters the task and stops its scheduled runs.
func (r *Room) StopTask(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
	r.deps.Scheduler.Stop(scheduler.TaskID(r.ns, r.name, id))
}

// startTask hands the task to the scheduler under its qualified id. A task
// left over from a previous activation is fine; anything else is logged.
func (r *Room) startTask(spec TaskSpec) {
	err := r.deps.Scheduler.Schedule(scheduler.TaskSpec{
		TaskID:          scheduler.TaskID(r.ns, r.name, spec.ID),
		Interval:        spec.Interval,
		LockDuration:    spec.LockDuration,
		RunOnActivation: spec.RunOnActivation,
		AllowOverlap:    spec.AllowOverlap,
		LeaderOnly:      spec.LeaderOnly,
		Handler: func(ctx context.Context) error {
			return spec.Handler(ctx, r)
		},
	})
	if err != nil && !errors.Is(err, scheduler.ErrTaskExists) {
		logging.Error(r.logCtx(context.Background()), "Task schedule failed",
			zap.String("task_id", spec.ID), zap.Error(err))
	}
}
