package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/schedule"
)

// JobHandler is the work a recurring job performs at its fire time: enqueue
// notifications, trigger a campaign send.
type JobHandler func(ctx context.Context) error

type RecurringJob struct {
	ID       string
	Schedule schedule.Schedule
	Handler  JobHandler
	Enabled  bool
	NextFire time.Time
}

// Registry holds recurring job definitions. Jobs are registered at process
// configuration time and fired by RunDue; they are never auto-deleted, only
// enabled or disabled.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*RecurringJob
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		jobs:   make(map[string]*RecurringJob),
		logger: logger,
		now:    time.Now,
	}
}

func (r *Registry) Register(id string, s schedule.Schedule, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	r.jobs[id] = &RecurringJob{
		ID:       id,
		Schedule: s,
		Handler:  handler,
		Enabled:  true,
		NextFire: s.Next(now),
	}
	r.logger.Info("Recurring job registered", zap.String("job_id", id))
}

func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	job.Enabled = enabled
	if enabled {
		job.NextFire = job.Schedule.Next(r.now().UTC())
	}
	return true
}

// RunDue fires every enabled job whose next fire time has arrived. A failing
// handler is logged and rescheduled; it never affects sibling jobs.
func (r *Registry) RunDue(ctx context.Context) {
	now := r.now().UTC()

	r.mu.Lock()
	var due []*RecurringJob
	for _, job := range r.jobs {
		if job.Enabled && !job.NextFire.After(now) {
			due = append(due, job)
			job.NextFire = job.Schedule.Next(now)
		}
	}
	r.mu.Unlock()

	for _, job := range due {
		if err := job.Handler(ctx); err != nil {
			r.logger.Error("Recurring job failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		r.logger.Info("Recurring job fired", zap.String("job_id", job.ID))
	}
}

// Start runs the registry on its own ticker until the context is cancelled.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Job registry stopped")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}
