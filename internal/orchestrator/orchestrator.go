package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trading-core/internal/errkind"
	"trading-core/internal/events"
	"trading-core/pkg/store"
)

// defaultDowngradeSweepInterval matches the reconciler's default cadence in
// spirit: infrequent, background, non-blocking.
const defaultDowngradeSweepInterval = 5 * time.Minute

// Runner is the subset of *runner.Runner the orchestrator depends on. Kept
// local (rather than importing internal/runner) so the orchestrator has no
// compile-time dependency on how a Runner is wired together.
type Runner interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context, flatten bool) error
}

// RunnerFactory builds the Runner for a newly-admitted job; the caller
// (bootstrap) closes over the broker/lifecycle/journal/strategy wiring a
// concrete job needs.
type RunnerFactory func(job Job) (Runner, error)

// StartRequest is the input to StartRunner (spec.md §4.10).
type StartRequest struct {
	UserID         string
	StrategyID     string
	BrokerID       string
	ConfigSnapshot map[string]any
}

// StopRequest is the input to StopRunner (spec.md §4.10).
type StopRequest struct {
	UserID           string
	JobID            string
	FlattenPositions bool
}

// WorkerStatus is one entry of getStatus's workers list.
type WorkerStatus struct {
	Job Job
}

// Status is the getStatus response shape (spec.md §4.10).
type Status struct {
	Workers    []WorkerStatus
	QueueStats QueueStats
}

type runnerHandle struct {
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures an Orchestrator.
type Options struct {
	DowngradeSweepInterval time.Duration
}

// Orchestrator admits jobs, enforces entitlement tiers, and owns the
// per-job Runner registry (spec.md §4.10, C10).
type Orchestrator struct {
	queue   Queue
	store   *store.Store
	factory RunnerFactory
	bus     *events.Bus
	log     *zap.Logger
	opts    Options

	mu      sync.Mutex
	runners map[string]*runnerHandle
}

func New(q Queue, s *store.Store, factory RunnerFactory, bus *events.Bus, log *zap.Logger, opts Options) *Orchestrator {
	if q == nil {
		q = NewMemoryQueue()
	}
	if opts.DowngradeSweepInterval <= 0 {
		opts.DowngradeSweepInterval = defaultDowngradeSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		queue: q, store: s, factory: factory, bus: bus, log: log, opts: opts,
		runners: make(map[string]*runnerHandle),
	}
}

// Run drives the periodic downgrade sweep until ctx is cancelled (spec.md
// §4.10 "Downgrade sweep").
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.opts.DowngradeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			affected, err := o.DowngradeSweep(ctx)
			if err != nil {
				o.log.Warn("entitlement downgrade sweep failed", zap.Error(err))
				continue
			}
			if len(affected) > 0 {
				o.log.Info("entitlement downgrade sweep demoted expired users", zap.Strings("userIds", affected))
			}
		}
	}
}

func (o *Orchestrator) currentRunningWorkers(userID string) int {
	count := 0
	for _, j := range o.queue.GetUserJobs(userID) {
		if j.Status == JobRunning {
			count++
		}
	}
	return count
}

// StartRunner admits a job after the entitlement gate of spec.md §4.10,
// then spawns its Runner on its own goroutine.
func (o *Orchestrator) StartRunner(ctx context.Context, req StartRequest) (string, error) {
	ent, err := o.resolveEntitlement(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve entitlement: %w", err)
	}
	now := time.Now().UTC()
	if ent.expired(now) || !ent.IsActive {
		return "", errkind.Newf(errkind.EntitlementExpired,
			"entitlement for user %s is expired or inactive", req.UserID)
	}
	running := o.currentRunningWorkers(req.UserID)
	if running >= ent.MaxWorkers {
		return "", errkind.Newf(errkind.WorkerLimitExceeded,
			"user %s already has %d running workers (tier %s limit %d)", req.UserID, running, ent.Tier, ent.MaxWorkers)
	}

	job := Job{
		JobID:          uuid.NewString(),
		UserID:         req.UserID,
		StrategyID:     req.StrategyID,
		BrokerID:       req.BrokerID,
		ConfigSnapshot: req.ConfigSnapshot,
		Status:         JobQueued,
		CreatedAt:      now,
	}
	o.queue.Enqueue(job)

	rn, err := o.factory(job)
	if err != nil {
		o.queue.UpdateStatus(job.JobID, JobFailed)
		return "", fmt.Errorf("orchestrator: create runner: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runnerHandle{runner: rn, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.runners[job.JobID] = handle
	o.mu.Unlock()

	o.queue.UpdateStatus(job.JobID, JobRunning)
	o.publishStatus(job.JobID, req.UserID, JobRunning)

	go o.supervise(runCtx, job.JobID, handle)

	return job.JobID, nil
}

// supervise runs the Runner to completion and reconciles the queue's view
// of the job once it exits, distinguishing a clean stop from a crash.
func (o *Orchestrator) supervise(ctx context.Context, jobID string, handle *runnerHandle) {
	defer close(handle.done)
	err := handle.runner.Run(ctx)

	o.mu.Lock()
	delete(o.runners, jobID)
	o.mu.Unlock()

	status := JobStopped
	if err != nil && ctx.Err() == nil {
		status = JobCrashed
		o.log.Error("runner exited unexpectedly", zap.String("jobId", jobID), zap.Error(err))
	}
	o.queue.UpdateStatus(jobID, status)
	o.publishStatus(jobID, "", status)
}

// StopRunner stops a running job on behalf of its owning user (spec.md
// §4.10: "Reject stopRunner if job.userId ≠ request.userId").
func (o *Orchestrator) StopRunner(ctx context.Context, req StopRequest) error {
	job, ok := o.queue.GetJob(req.JobID)
	if !ok {
		return errkind.Newf(errkind.JobNotFound, "job %s not found", req.JobID)
	}
	if job.UserID != req.UserID {
		return errkind.Newf(errkind.Unauthorized, "job %s does not belong to user %s", req.JobID, req.UserID)
	}

	o.mu.Lock()
	handle, ok := o.runners[req.JobID]
	o.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.JobNotFound, "job %s is not currently running", req.JobID)
	}

	if err := handle.runner.Stop(ctx, req.FlattenPositions); err != nil {
		o.log.Warn("runner stop returned an error, tearing down anyway",
			zap.String("jobId", req.JobID), zap.Error(err))
	}
	handle.cancel()
	<-handle.done

	o.queue.UpdateStatus(req.JobID, JobStopped)
	o.publishStatus(req.JobID, req.UserID, JobStopped)
	return nil
}

// Killswitch stops every running job owned by userID with positions
// flattened (spec.md §6 "POST /killswitch ... stop all runners"). Scoped to
// the calling user since StopRunner itself enforces ownership. Idempotent:
// a user with no running jobs sees no error.
func (o *Orchestrator) Killswitch(ctx context.Context, userID string) error {
	var errs []error
	for _, j := range o.queue.GetUserJobs(userID) {
		if j.Status != JobRunning {
			continue
		}
		if err := o.StopRunner(ctx, StopRequest{UserID: userID, JobID: j.JobID, FlattenPositions: true}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetJob returns a single job by id, regardless of owner; callers enforce
// ownership themselves (spec.md §6 "GET /strategy/analysis/{id}" and
// "GET /strategy/metrics/{id}" both key off a job id).
func (o *Orchestrator) GetJob(jobID string) (Job, bool) {
	return o.queue.GetJob(jobID)
}

// GetStatus returns the running workers (scoped to userID when non-empty)
// plus overall queue stats (spec.md §4.10).
func (o *Orchestrator) GetStatus(userID string) Status {
	var jobs []Job
	if userID != "" {
		jobs = o.queue.GetUserJobs(userID)
	} else {
		jobs = o.queue.GetAllJobs()
	}
	workers := make([]WorkerStatus, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == JobRunning {
			workers = append(workers, WorkerStatus{Job: j})
		}
	}
	return Status{Workers: workers, QueueStats: o.queue.GetStats()}
}

func (o *Orchestrator) publishStatus(jobID, userID string, status JobStatus) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.EventJobStatusChange, map[string]any{
		"jobId": jobID, "userId": userID, "status": status,
	})
}
