package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/anidub/internal/scheduler"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Executor runs one pass of a job. It returns ErrCanceled when it observed a
// cancellation, any other error to fail the job, or an Outcome.
type Executor func(ctx context.Context, job *Job) (Outcome, error)

type Options struct {
	Concurrency int
	Layout      Layout
	// Backend defaults to an in-process LocalBackend.
	Backend Backend
	// Scheduler is optional; nil admits every job immediately.
	Scheduler scheduler.Scheduler
	Notifier  Notifier
	// PausePoll is how long a paused id waits before it is re-queued.
	PausePoll time.Duration
	// BackpressureDelay is how long an id waits after the scheduler pushed back.
	BackpressureDelay time.Duration
	// DenyEgress installs the offline environment for child processes at Start.
	DenyEgress bool
}

type Queue struct {
	store   Store
	exec    Executor
	opts    Options
	backend Backend

	mu      sync.Mutex
	started bool
	running map[string]context.CancelFunc
	// tracked holds ids this queue has handed to the backend and not yet
	// seen finish.
	tracked map[string]struct{}

	draining atomic.Bool

	// runCtx parents every job; canceling it hard-stops in-flight work.
	runCtx    context.Context
	runCancel context.CancelFunc
	// popCtx stops workers from taking new ids.
	popCtx    context.Context
	popCancel context.CancelFunc

	group  *errgroup.Group
	timers sync.WaitGroup
}

func NewQueue(store Store, exec Executor, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PausePoll <= 0 {
		opts.PausePoll = time.Second
	}
	if opts.BackpressureDelay <= 0 {
		opts.BackpressureDelay = 2 * time.Second
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewLocalBackend()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	popCtx, popCancel := context.WithCancel(runCtx)
	return &Queue{
		store:     store,
		exec:      exec,
		opts:      opts,
		backend:   backend,
		running:   make(map[string]context.CancelFunc),
		tracked:   make(map[string]struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
		popCtx:    popCtx,
		popCancel: popCancel,
	}
}

// Start recovers unfinished jobs from the store and spawns the workers.
// Jobs found RUNNING were interrupted by a crash and are demoted to QUEUED,
// unless their lock shows another live process still runs them.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if q.opts.DenyEgress {
		applyEgressPolicy()
	}

	if err := q.recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	q.group = &errgroup.Group{}
	for range q.opts.Concurrency {
		q.group.Go(func() error {
			q.worker()
			return nil
		})
	}
	log.Info("Job queue started with %d worker(s)", q.opts.Concurrency)
	return nil
}

func (q *Queue) recover(ctx context.Context) error {
	var pending []*Job
	for _, state := range []State{StateQueued, StateRunning, StatePaused} {
		list, err := q.store.List(ctx, 0, state)
		if err != nil {
			return err
		}
		pending = append(pending, list...)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, job := range pending {
		if job.State == StateRunning {
			held, err := q.backend.Held(ctx, job.ID)
			if err != nil {
				log.Error("Failed to check lock of running job %s: %v", job.ID, err)
				continue
			}
			if held {
				log.Info("Job %s is running in another process, leaving it alone", job.ID)
				continue
			}
			updated, err := q.store.Update(ctx, job.ID, func(j *Job) {
				if j.State == StateRunning {
					j.State = StateQueued
					j.Message = "recovered after restart"
				}
			})
			if err != nil {
				log.Error("Failed to demote running job %s: %v", job.ID, err)
				continue
			}
			if updated == nil {
				continue
			}
			q.appendLog(job.ID, "recovered after restart, resuming from checkpoints")
			job = updated
		}
		if err := q.push(ctx, job.ID, priorityFor(job)); err != nil {
			log.Error("Failed to re-queue job %s: %v", job.ID, err)
		}
	}
	if len(pending) > 0 {
		log.Info("Recovered %d unfinished job(s)", len(pending))
	}
	return nil
}

// Enqueue persists job as QUEUED and hands it to the backend.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	if q.draining.Load() {
		return nil, ErrShuttingDown
	}
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	job = job.Clone()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Mode == "" {
		job.Mode = ModeMedium
	}
	if job.Device == "" {
		job.Device = DeviceAuto
	}
	if job.Visibility == "" {
		job.Visibility = VisibilityPrivate
	}
	if err := q.opts.Layout.Apply(job); err != nil {
		return nil, err
	}
	now := time.Now()
	job.State = StateQueued
	job.Progress = 0
	job.Message = "queued"
	job.Error = ""
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := q.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	q.appendLog(job.ID, "queued")
	if err := q.push(ctx, job.ID, PriorityNormal); err != nil {
		return nil, fmt.Errorf("queue job: %w", err)
	}
	return job, nil
}

// SubmitIdempotent enqueues job unless key maps to a job created within ttl,
// in which case that job is returned with created=false.
func (q *Queue) SubmitIdempotent(ctx context.Context, key string, ttl time.Duration, job *Job) (*Job, bool, error) {
	if key != "" {
		id, createdAt, err := q.store.GetIdempotency(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if id != "" && (ttl <= 0 || time.Since(createdAt) < ttl) {
			existing, err := q.store.Get(ctx, id)
			if err != nil {
				return nil, false, err
			}
			if existing != nil {
				return existing, false, nil
			}
		}
	}

	created, err := q.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if key != "" {
		if err := q.store.PutIdempotency(ctx, key, created.ID); err != nil {
			log.Warn("Failed to record idempotency key for job %s: %v", created.ID, err)
		}
	}
	return created, true, nil
}

// Adopt pushes QUEUED jobs this queue is not tracking, such as jobs another
// process wrote to the shared ledger, and returns how many it took.
func (q *Queue) Adopt(ctx context.Context) (int, error) {
	if q.draining.Load() {
		return 0, nil
	}
	queued, err := q.store.List(ctx, 0, StateQueued)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	adopted := 0
	for _, job := range queued {
		q.mu.Lock()
		_, known := q.tracked[job.ID]
		q.mu.Unlock()
		if known {
			continue
		}
		if err := q.push(ctx, job.ID, priorityFor(job)); err != nil {
			return adopted, err
		}
		adopted++
	}
	if adopted > 0 {
		log.Info("Adopted %d queued job(s)", adopted)
	}
	return adopted, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Cancel marks the job CANCELED and interrupts it if it is running.
// Terminal jobs are returned unchanged.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	return q.stop(ctx, id, "canceled by user", "")
}

// Kill is Cancel with a recorded reason; running processes are killed, not asked.
func (q *Queue) Kill(ctx context.Context, id, reason string) (*Job, error) {
	if reason == "" {
		reason = "killed"
	}
	return q.stop(ctx, id, "killed: "+reason, reason)
}

func (q *Queue) stop(ctx context.Context, id, message, errText string) (*Job, error) {
	changed := false
	job, err := q.store.Update(ctx, id, func(j *Job) {
		if j.State.Terminal() {
			return
		}
		changed = true
		j.State = StateCanceled
		j.Message = message
		if errText != "" {
			j.Error = errText
		}
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if !changed {
		return job, nil
	}

	q.mu.Lock()
	cancel, running := q.running[id]
	q.mu.Unlock()
	if running {
		cancel()
	}
	q.appendLog(id, message)
	return job, nil
}

// Pause holds a QUEUED job; other states are rejected.
func (q *Queue) Pause(ctx context.Context, id string) (*Job, error) {
	return q.transition(ctx, id, StateQueued, StatePaused, "paused")
}

// Resume releases a PAUSED job back to QUEUED.
func (q *Queue) Resume(ctx context.Context, id string) (*Job, error) {
	return q.transition(ctx, id, StatePaused, StateQueued, "resumed")
}

func (q *Queue) transition(ctx context.Context, id string, from, to State, message string) (*Job, error) {
	var invalid error
	job, err := q.store.Update(ctx, id, func(j *Job) {
		if j.State != from {
			invalid = &ErrInvalidTransition{JobID: id, From: j.State, To: to}
			return
		}
		j.State = to
		j.Message = message
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if invalid != nil {
		return job, invalid
	}
	q.appendLog(id, message)
	return job, nil
}

// Resynth re-queues a DONE or FAILED job with a resynthesis request, so the
// next run reuses its checkpoints and redoes speech synthesis and mixing.
func (q *Queue) Resynth(ctx context.Context, id, reason string) (*Job, error) {
	if q.draining.Load() {
		return nil, ErrShuttingDown
	}
	if reason == "" {
		reason = "requested"
	}
	var invalid error
	job, err := q.store.Update(ctx, id, func(j *Job) {
		if j.State != StateDone && j.State != StateFailed {
			invalid = &ErrInvalidTransition{JobID: id, From: j.State, To: StateQueued}
			return
		}
		if j.Runtime.Features.CachePolicy == CachePolicyFinalOnly {
			invalid = ErrIntermediatesPurged
			return
		}
		j.State = StateQueued
		j.Message = "resynthesis queued"
		j.Error = ""
		j.Runtime.Resynth = &Resynth{Requested: true, Reason: reason}
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if invalid != nil {
		return job, invalid
	}
	q.appendLog(id, "resynthesis queued: "+reason)
	if err := q.push(ctx, id, PriorityNormal); err != nil {
		return nil, fmt.Errorf("queue job: %w", err)
	}
	return job, nil
}

// GracefulShutdown stops dequeuing, waits up to timeout for running jobs,
// then cancels whatever is still running. Interrupted jobs go back to QUEUED.
func (q *Queue) GracefulShutdown(timeout time.Duration) error {
	q.mu.Lock()
	q.draining.Store(true)
	q.mu.Unlock()
	q.popCancel()

	done := make(chan struct{})
	go func() {
		if q.group != nil {
			_ = q.group.Wait()
		}
		q.timers.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.runCancel()
		log.Info("Job queue drained")
		return nil
	case <-time.After(timeout):
	}

	log.Warn("Job queue did not drain within %s, canceling running jobs", timeout)
	q.runCancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("workers still running after hard cancel")
	}
}

// Running returns the ids currently executing in this process.
func (q *Queue) Running() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (q *Queue) worker() {
	for {
		id, err := q.backend.Pop(q.popCtx)
		if err != nil {
			if q.popCtx.Err() != nil {
				return
			}
			log.Error("Failed to pop job id: %v", err)
			select {
			case <-q.popCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		q.process(id)
	}
}

func (q *Queue) process(id string) {
	ctx := q.runCtx
	ok, err := q.backend.Acquire(ctx, id)
	if err != nil {
		log.Warn("Skipping job %s: acquire failed: %v", id, err)
		return
	}
	if !ok {
		q.busy(id)
		return
	}
	// Deferred first so it runs after Release: a re-queued id must be
	// acquirable by whichever worker pops it next.
	requeue := false
	defer func() {
		if !requeue {
			return
		}
		if err := q.push(context.Background(), id, PriorityHigh); err != nil {
			log.Error("Failed to re-queue job %s: %v", id, err)
		}
	}()
	defer func() {
		if err := q.backend.Release(context.Background(), id); err != nil {
			log.Warn("Failed to release job %s: %v", id, err)
		}
	}()

	job, err := q.store.Get(ctx, id)
	if err != nil {
		log.Error("Failed to load job %s: %v", id, err)
		return
	}
	if job == nil {
		q.untrack(id)
		return
	}
	switch job.State {
	case StatePaused:
		q.requeueLater(id, priorityFor(job), q.opts.PausePoll)
		return
	case StateQueued:
	default:
		if job.State.Terminal() {
			q.untrack(id)
		}
		return
	}

	if q.opts.Scheduler != nil {
		release, err := q.opts.Scheduler.AcquireJob(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, scheduler.ErrBackpressure) {
				log.Warn("Admission of job %s failed: %v", id, err)
			}
			q.requeueLater(id, priorityFor(job), q.opts.BackpressureDelay)
			return
		}
		defer release()
	}

	requeue = q.runJob(id)
}

// busy handles an id popped while another worker holds it. Ids still
// waiting to run come back later; the holder owns everything else.
func (q *Queue) busy(id string) {
	job, err := q.store.Get(q.runCtx, id)
	if err != nil {
		log.Error("Failed to load job %s: %v", id, err)
		return
	}
	if job == nil || job.State.Terminal() || job.State == StateRunning {
		q.untrack(id)
		return
	}
	q.requeueLater(id, priorityFor(job), q.opts.BackpressureDelay)
}

// runJob claims and executes id. It reports whether the job must be pushed
// again once its lock is released.
func (q *Queue) runJob(id string) bool {
	jobCtx, cancel := context.WithCancel(q.runCtx)
	q.mu.Lock()
	q.running[id] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, id)
		q.mu.Unlock()
		cancel()
	}()

	claimed := false
	job, err := q.store.Update(jobCtx, id, func(j *Job) {
		if j.State != StateQueued {
			return
		}
		claimed = true
		j.State = StateRunning
		j.Message = "running"
		j.Error = ""
		if j.Runtime.TwoPass == nil || j.Runtime.TwoPass.Phase != PhasePass2 {
			j.Progress = 0
		}
	})
	if err != nil {
		log.Error("Failed to claim job %s: %v", id, err)
		return false
	}
	if job == nil || !claimed {
		return false
	}
	q.appendLog(id, "started")

	outcome, runErr := q.runExecutor(jobCtx, job)
	return q.finish(id, outcome, runErr)
}

func (q *Queue) runExecutor(ctx context.Context, job *Job) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return q.exec(ctx, job)
}

// finish records the outcome of a run. The worker still holds the lock, so
// a job another process demoted to QUEUED or PAUSED meanwhile is still ours
// to settle. It reports whether the job must be pushed again.
func (q *Queue) finish(id string, outcome Outcome, runErr error) bool {
	interrupted := q.draining.Load() && q.runCtx.Err() != nil
	var requeue, terminal bool
	var line string

	job, err := q.store.Update(context.Background(), id, func(j *Job) {
		if j.State == StateCanceled {
			terminal = true
			line = "stopped: " + j.Message
			return
		}
		if j.State.Terminal() {
			return
		}
		switch {
		case runErr != nil && interrupted:
			j.State = StateQueued
			j.Message = "interrupted by shutdown"
			line = j.Message
		case errors.Is(runErr, ErrCanceled):
			j.State = StateCanceled
			j.Message = "canceled"
			terminal = true
			line = "canceled"
		case runErr != nil:
			j.State = StateFailed
			j.Error = runErr.Error()
			j.Message = "failed"
			terminal = true
			line = "failed: " + runErr.Error()
		case outcome.Requeue:
			j.State = StateQueued
			j.Message = outcome.Message
			requeue = true
			line = "re-queued: " + outcome.Message
		default:
			j.State = StateDone
			j.Progress = 1.0
			j.Message = outcome.Message
			if j.Message == "" {
				j.Message = "done"
			}
			terminal = true
			line = "done: " + j.Message
		}
	})
	if err != nil {
		log.Error("Failed to finalize job %s: %v", id, err)
		return false
	}
	if job == nil {
		return false
	}
	if line != "" {
		q.appendLog(id, line)
	}
	if terminal {
		q.untrack(id)
	}
	if terminal && q.opts.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := q.opts.Notifier.Notify(ctx, job); err != nil {
			log.Warn("Notification for job %s failed: %v", id, err)
		}
	}
	return requeue
}

func (q *Queue) requeueLater(id string, priority int, delay time.Duration) {
	q.mu.Lock()
	if q.draining.Load() {
		q.mu.Unlock()
		return
	}
	q.timers.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.timers.Done()
		select {
		case <-q.popCtx.Done():
			return
		case <-time.After(delay):
		}
		if err := q.push(context.Background(), id, priority); err != nil {
			log.Error("Failed to re-queue job %s: %v", id, err)
		}
	}()
}

func (q *Queue) push(ctx context.Context, id string, priority int) error {
	q.mu.Lock()
	q.tracked[id] = struct{}{}
	q.mu.Unlock()
	return q.backend.Push(ctx, id, priority)
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	delete(q.tracked, id)
	q.mu.Unlock()
}

func (q *Queue) appendLog(id, line string) {
	if err := q.store.AppendLog(context.Background(), id, line); err != nil {
		log.Warn("Failed to append log for job %s: %v", id, err)
	}
}

func priorityFor(job *Job) int {
	if job.Runtime.TwoPass != nil && job.Runtime.TwoPass.Phase == PhasePass2 {
		return PriorityHigh
	}
	return PriorityNormal
}

var offlineEnv = map[string]string{
	"HF_HUB_OFFLINE":       "1",
	"TRANSFORMERS_OFFLINE": "1",
	"HF_DATASETS_OFFLINE":  "1",
}

// applyEgressPolicy marks the process environment offline so child tools
// never reach the network.
func applyEgressPolicy() {
	for k, v := range offlineEnv {
		if err := os.Setenv(k, v); err != nil {
			log.Warn("Failed to set %s: %v", k, err)
		}
	}
	log.Info("Egress disabled for stage tools")
}
