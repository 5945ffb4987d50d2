// Package scheduler runs periodic room tasks. Timers are local; the
// cluster-wide at-most-one-runner guarantee for leader-only tasks comes from
// a distributed lock leased per tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
)

var (
	// ErrTaskExists rejects a Schedule call reusing a live task id.
	ErrTaskExists = errors.New("task already scheduled")

	ErrClosed = errors.New("scheduler closed")
)

// Handler runs one task execution. Errors are logged and counted, never
// propagated to any socket.
type Handler func(ctx context.Context) error

// TaskSpec describes one periodic task.
type TaskSpec struct {
	TaskID   string
	Interval time.Duration
	// LockDuration overrides the leader lease; zero means lease = Interval.
	LockDuration time.Duration
	// RunOnActivation issues one execution immediately on scheduling.
	RunOnActivation bool
	// AllowOverlap fires strictly on the period even while a previous run is
	// still going. When false, the next timer is armed only after the
	// current run resolves, so slow handlers never pile up.
	AllowOverlap bool
	// LeaderOnly gates each execution behind the distributed lock; losing
	// the acquisition is a silent skip because the leader is running the task.
	LeaderOnly bool
	Handler    Handler
}

// Scheduler is the pluggable periodic task runner.
type Scheduler interface {
	Schedule(spec TaskSpec) error
	// Stop cancels the local timer. A held leader lock is not released; it
	// expires on its own. Unknown ids are ignored.
	Stop(taskID string)
	Close()
}

// TaskID builds the globally unique id for a room task.
func TaskID(ns, room, id string) string {
	return "namespace:" + ns + ":room:" + room + ":task:" + id
}

// TimerScheduler drives tasks with plain timers and delegates the
// single-runner guarantee to a LockManager.
type TimerScheduler struct {
	instanceID string
	locks      LockManager

	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewTimerScheduler returns a Scheduler owned by the given instance id,
// which doubles as the lock owner token for leader-only tasks.
func NewTimerScheduler(instanceID string, locks LockManager) *TimerScheduler {
	return &TimerScheduler{
		instanceID: instanceID,
		locks:      locks,
		tasks:      make(map[string]context.CancelFunc),
	}
}

func (s *TimerScheduler) Schedule(spec TaskSpec) error {
	if spec.TaskID == "" {
		return errors.New("task id must not be empty")
	}
	if spec.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", spec.TaskID)
	}
	if spec.Handler == nil {
		return fmt.Errorf("task %s: handler must not be nil", spec.TaskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.tasks[spec.TaskID]; ok {
		return fmt.Errorf("task %s: %w", spec.TaskID, ErrTaskExists)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.tasks[spec.TaskID] = cancel

	s.wg.Add(1)
	if spec.AllowOverlap {
		go s.runFixedPeriod(ctx, spec)
	} else {
		go s.runSelfRescheduling(ctx, spec)
	}
	return nil
}

func (s *TimerScheduler) Stop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.tasks[taskID]; ok {
		delete(s.tasks, taskID)
		cancel()
	}
}

func (s *TimerScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, cancel := range s.tasks {
		delete(s.tasks, id)
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// runSelfRescheduling arms the next timer only after the current run
// resolves.
func (s *TimerScheduler) runSelfRescheduling(ctx context.Context, spec TaskSpec) {
	defer s.wg.Done()

	if spec.RunOnActivation {
		s.runOnce(ctx, spec)
	}

	timer := time.NewTimer(spec.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runOnce(ctx, spec)
			timer.Reset(spec.Interval)
		}
	}
}

// runFixedPeriod fires on the period regardless of how long runs take.
func (s *TimerScheduler) runFixedPeriod(ctx context.Context, spec TaskSpec) {
	defer s.wg.Done()

	launch := func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runOnce(ctx, spec)
		}()
	}

	if spec.RunOnActivation {
		launch()
	}

	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			launch()
		}
	}
}

func (s *TimerScheduler) runOnce(ctx context.Context, spec TaskSpec) {
	if spec.LeaderOnly {
		lease := spec.LockDuration
		if lease <= 0 {
			lease = spec.Interval
		}
		held, err := s.locks.Acquire(ctx, spec.TaskID, s.instanceID, lease)
		if err != nil {
			metrics.SchedulerRuns.WithLabelValues("error").Inc()
			logging.Warn(ctx, "Task lock acquisition failed",
				zap.String("task_id", spec.TaskID), zap.Error(err))
			return
		}
		if !held {
			// Another instance leads this task.
			metrics.SchedulerSkips.Inc()
			return
		}
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerRuns.WithLabelValues("panic").Inc()
			logging.Error(ctx, "Task handler panicked",
				zap.String("task_id", spec.TaskID), zap.Any("panic", r))
		}
	}()

	if err := spec.Handler(ctx); err != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		logging.Error(ctx, "Task handler failed",
			zap.String("task_id", spec.TaskID), zap.Error(err))
		return
	}
	metrics.SchedulerRuns.WithLabelValues("ok").Inc()
}
