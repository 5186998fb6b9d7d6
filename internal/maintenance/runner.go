// Package maintenance runs the background upkeep chain: outbox drain,
// dead-letter reconciliation, materialized view refresh, retention, and
// lock garbage collection. Tasks run in a fixed order, each under its own
// distributed lock and deadline; one task failing never blocks the rest.
package maintenance

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/locks"
	"github.com/tollgate/controlplane/internal/metrics"
)

// Task outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeSkippedLock   = "skipped(lock_held)"
	OutcomeFailedTimeout = "failed(timeout)"
	OutcomeFailed        = "failed"
)

// Task is one unit of the maintenance chain.
type Task interface {
	Name() string
	Run(ctx context.Context) (map[string]any, error)
}

// TaskResult reports one task's outcome within a run.
type TaskResult struct {
	Task     string         `json:"task"`
	Outcome  string         `json:"outcome"`
	Duration time.Duration  `json:"duration"`
	Detail   map[string]any `json:"detail,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Report aggregates one full chain run.
type Report struct {
	StartedAt time.Time    `json:"started_at"`
	Results   []TaskResult `json:"results"`
}

// Failed reports whether any task in the run failed.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed || res.Outcome == OutcomeFailedTimeout {
			return true
		}
	}
	return false
}

// Runner drives the ordered task chain. One process-wide holder id; each
// task elects itself via a maintenance:<task> lock so concurrent workers
// split the chain instead of duplicating it.
type Runner struct {
	tasks    []Task
	locks    *locks.Service
	cfg      *config.Manager
	metrics  *metrics.Metrics
	emitter  events.Emitter
	holderID string
	logger   *log.Logger
	now      func() time.Time
}

func NewRunner(lockSvc *locks.Service, cfg *config.Manager, m *metrics.Metrics, emitter events.Emitter, tasks ...Task) *Runner {
	return &Runner{
		tasks:    tasks,
		locks:    lockSvc,
		cfg:      cfg,
		metrics:  m,
		emitter:  emitter,
		holderID: locks.NewHolderID("worker"),
		logger:   log.New(log.Writer(), "[MAINT] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Run executes the whole chain once and returns the run report.
func (r *Runner) Run(ctx context.Context) *Report {
	report := &Report{StartedAt: r.now().UTC()}
	for _, task := range r.tasks {
		report.Results = append(report.Results, r.runTask(ctx, task))
	}
	return report
}

// RunForever executes the chain on an interval until the context ends.
func (r *Runner) RunForever(ctx context.Context) {
	interval := time.Duration(r.cfg.Global().Maintenance.RunIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report := r.Run(ctx)
		if report.Failed() {
			r.logger.Printf("maintenance run had failures: %+v", report.Results)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) runTask(ctx context.Context, task Task) TaskResult {
	mc := r.cfg.Global().Maintenance
	lockName := "maintenance:" + task.Name()
	lockTTL := time.Duration(mc.LockTTLSeconds) * time.Second
	deadline := time.Duration(mc.TaskTimeoutSeconds) * time.Second

	started := r.now()
	result := TaskResult{Task: task.Name()}

	got, err := r.locks.Acquire(ctx, lockName, r.holderID, lockTTL)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		return r.finish(result, started)
	}
	if !got {
		result.Outcome = OutcomeSkippedLock
		return r.finish(result, started)
	}
	defer func() {
		if _, err := r.locks.Release(context.Background(), lockName, r.holderID); err != nil {
			r.logger.Printf("lock release failed for %s: %v", lockName, err)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	detail, err := task.Run(taskCtx)
	result.Detail = detail
	switch {
	case err == nil:
		result.Outcome = OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		result.Outcome = OutcomeFailedTimeout
		result.Error = err.Error()
	default:
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
	}
	return r.finish(result, started)
}

func (r *Runner) finish(result TaskResult, started time.Time) TaskResult {
	result.Duration = r.now().Sub(started)
	if r.metrics != nil {
		r.metrics.RecordTask(result.Task, result.Outcome, result.Duration.Seconds())
	}
	if result.Outcome != OutcomeSkippedLock && r.emitter != nil {
		ev := events.New("maintenance.task_completed", "system", events.ActorSystem,
			"maintenance_runner", result.Task, map[string]any{
				"outcome":     result.Outcome,
				"duration_ms": result.Duration.Milliseconds(),
			})
		if err := r.emitter.Emit(ev); err != nil {
			r.logger.Printf("task event rejected: %v", err)
		}
	}
	r.logger.Printf("task %s: %s (%.2fs)", result.Task, result.Outcome, result.Duration.Seconds())
	return result
}
