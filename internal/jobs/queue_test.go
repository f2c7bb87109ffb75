package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MimeLyc/anidub/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*Job
}

func (n *recordingNotifier) Notify(_ context.Context, job *Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job.Clone())
	return nil
}

func (n *recordingNotifier) states() []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]State, 0, len(n.jobs))
	for _, j := range n.jobs {
		out = append(out, j.State)
	}
	return out
}

// recordingBackend remembers the priority of every push.
type recordingBackend struct {
	*LocalBackend
	mu     sync.Mutex
	pushes []int
}

func (b *recordingBackend) Push(ctx context.Context, id string, priority int) error {
	b.mu.Lock()
	b.pushes = append(b.pushes, priority)
	b.mu.Unlock()
	return b.LocalBackend.Push(ctx, id, priority)
}

func (b *recordingBackend) priorities() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.pushes...)
}

func testLayout(t *testing.T) Layout {
	dir := t.TempDir()
	return Layout{
		OutputRoot: filepath.Join(dir, "out"),
		WorkRoot:   filepath.Join(dir, "work"),
		LogRoot:    filepath.Join(dir, "logs"),
	}
}

func newTestQueue(t *testing.T, store Store, exec Executor, opts Options) *Queue {
	t.Helper()
	if opts.Layout == (Layout{}) {
		opts.Layout = testLayout(t)
	}
	if opts.PausePoll == 0 {
		opts.PausePoll = 10 * time.Millisecond
	}
	if opts.BackpressureDelay == 0 {
		opts.BackpressureDelay = 10 * time.Millisecond
	}
	q := NewQueue(store, exec, opts)
	t.Cleanup(func() { _ = q.GracefulShutdown(time.Second) })
	return q
}

func episode() *Job {
	return &Job{VideoPath: "/videos/show-01.mkv", SrcLang: "ja", TgtLang: "en", SeriesSlug: "show"}
}

func done(msg string) Executor {
	return func(context.Context, *Job) (Outcome, error) {
		return Outcome{Message: msg}, nil
	}
}

func waitState(t *testing.T, store *memoryStore, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.state(id) == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, store.state(id))
}

func TestQueue_Enqueue_FillsDefaults(t *testing.T) {
	store := newMemoryStore()
	q := newTestQueue(t, store, done(""), Options{})

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, ModeMedium, job.Mode)
	assert.Equal(t, DeviceAuto, job.Device)
	assert.Equal(t, VisibilityPrivate, job.Visibility)
	assert.Equal(t, "show-01.dub.mkv", filepath.Base(job.OutputMKV))
	assert.Equal(t, "show-01.en.srt", filepath.Base(job.OutputSRT))
	assert.Equal(t, job.ID, filepath.Base(job.WorkDir))

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, stored.State)

	lines, _ := store.TailLog(context.Background(), job.ID, 10)
	assert.Equal(t, []string{"queued"}, lines)
}

func TestQueue_Enqueue_Rejects(t *testing.T) {
	q := newTestQueue(t, newMemoryStore(), done(""), Options{})

	_, err := q.Enqueue(context.Background(), nil)
	assert.Error(t, err)

	_, err = q.Enqueue(context.Background(), &Job{TgtLang: "en"})
	assert.ErrorContains(t, err, "video path is required")
}

func TestQueue_RunsJobToDone(t *testing.T) {
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	var seen atomic.Value
	exec := func(_ context.Context, job *Job) (Outcome, error) {
		seen.Store(job.State)
		return Outcome{Message: "dubbed"}, nil
	}
	q := newTestQueue(t, store, exec, Options{Notifier: notifier})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	waitState(t, store, job.ID, StateDone)

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "dubbed", got.Message)
	assert.Equal(t, StateRunning, seen.Load())

	lines, _ := store.TailLog(context.Background(), job.ID, 10)
	assert.Equal(t, []string{"queued", "started", "done: dubbed"}, lines)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]State{StateDone}, notifier.states())
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_ExecutorErrorsFailTheJob(t *testing.T) {
	store := newMemoryStore()
	calls := 0
	exec := func(context.Context, *Job) (Outcome, error) {
		calls++
		if calls == 1 {
			return Outcome{}, errors.New("transcribe: model missing")
		}
		panic("nil segment")
	}
	q := newTestQueue(t, store, exec, Options{})
	require.NoError(t, q.Start(context.Background()))

	first, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	waitState(t, store, first.ID, StateFailed)

	second, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	waitState(t, store, second.ID, StateFailed)

	got, _ := store.Get(context.Background(), first.ID)
	assert.Equal(t, "transcribe: model missing", got.Error)
	got, _ = store.Get(context.Background(), second.ID)
	assert.Contains(t, got.Error, "executor panic: nil segment")
}

func TestQueue_RecoversUnfinishedJobs(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	store.jobs["job-running"] = &Job{ID: "job-running", VideoPath: "/v/a.mkv", State: StateRunning, CreatedAt: now.Add(-2 * time.Minute)}
	store.jobs["job-queued"] = &Job{ID: "job-queued", VideoPath: "/v/b.mkv", State: StateQueued, CreatedAt: now.Add(-time.Minute)}
	store.jobs["job-done"] = &Job{ID: "job-done", VideoPath: "/v/c.mkv", State: StateDone, CreatedAt: now}

	var mu sync.Mutex
	var order []string
	exec := func(_ context.Context, job *Job) (Outcome, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return Outcome{}, nil
	}
	q := newTestQueue(t, store, exec, Options{Concurrency: 1})
	require.NoError(t, q.Start(context.Background()))

	waitState(t, store, "job-running", StateDone)
	waitState(t, store, "job-queued", StateDone)

	mu.Lock()
	assert.Equal(t, []string{"job-running", "job-queued"}, order)
	mu.Unlock()

	lines, _ := store.TailLog(context.Background(), "job-running", 10)
	require.NotEmpty(t, lines)
	assert.Equal(t, "recovered after restart, resuming from checkpoints", lines[0])
}

func TestQueue_CancelQueued(t *testing.T) {
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	q := newTestQueue(t, store, done(""), Options{Notifier: notifier})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, episode())
	require.NoError(t, err)

	canceled, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, canceled.State)
	assert.Equal(t, "canceled by user", canceled.Message)

	again, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, again.State)

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// the queued id is dropped once a worker sees the terminal state
	require.NoError(t, q.Start(ctx))
	assert.Never(t, func() bool { return store.state(job.ID) != StateCanceled }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestQueue_CancelRunning(t *testing.T) {
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	started := make(chan struct{})
	exec := func(ctx context.Context, _ *Job) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ErrCanceled
	}
	q := newTestQueue(t, store, exec, Options{Notifier: notifier})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	<-started
	assert.Equal(t, []string{job.ID}, q.Running())

	_, err = q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Running()) == 0 }, time.Second, 5*time.Millisecond)
	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, StateCanceled, got.State)
	assert.Equal(t, "canceled by user", got.Message)
	assert.Equal(t, []State{StateCanceled}, notifier.states())
}

func TestQueue_Kill(t *testing.T) {
	store := newMemoryStore()
	q := newTestQueue(t, store, done(""), Options{})

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)

	killed, err := q.Kill(context.Background(), job.ID, "stuck in tts")
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, killed.State)
	assert.Equal(t, "killed: stuck in tts", killed.Message)
	assert.Equal(t, "stuck in tts", killed.Error)
}

func TestQueue_PauseResume(t *testing.T) {
	store := newMemoryStore()
	var calls atomic.Int32
	exec := func(context.Context, *Job) (Outcome, error) {
		calls.Add(1)
		return Outcome{}, nil
	}
	q := newTestQueue(t, store, exec, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, episode())
	require.NoError(t, err)

	paused, err := q.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, paused.State)

	_, err = q.Pause(ctx, job.ID)
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatePaused, invalid.From)

	require.NoError(t, q.Start(ctx))
	assert.Never(t, func() bool { return calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	resumed, err := q.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, resumed.State)
	waitState(t, store, job.ID, StateDone)
	assert.EqualValues(t, 1, calls.Load())

	_, err = q.Resume(ctx, job.ID)
	assert.ErrorAs(t, err, &invalid)
	_, err = q.Pause(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_RequeueRunsAgainAtHighPriority(t *testing.T) {
	store := newMemoryStore()
	backend := &recordingBackend{LocalBackend: NewLocalBackend()}
	var calls atomic.Int32
	exec := func(context.Context, *Job) (Outcome, error) {
		if calls.Add(1) == 1 {
			return Outcome{Requeue: true, Message: "pass2 queued"}, nil
		}
		return Outcome{Message: "cloned"}, nil
	}
	q := newTestQueue(t, store, exec, Options{Backend: backend})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	waitState(t, store, job.ID, StateDone)

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []int{PriorityNormal, PriorityHigh}, backend.priorities())
	lines, _ := store.TailLog(context.Background(), job.ID, 10)
	assert.Contains(t, lines, "re-queued: pass2 queued")
	assert.Equal(t, "done: cloned", lines[len(lines)-1])
}

func TestQueue_SchedulerLimitsConcurrency(t *testing.T) {
	store := newMemoryStore()
	var current, peak atomic.Int32
	exec := func(context.Context, *Job) (Outcome, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return Outcome{}, nil
	}
	q := newTestQueue(t, store, exec, Options{
		Concurrency: 3,
		Scheduler:   scheduler.NewLocal(scheduler.Limits{MaxJobs: 1}),
	})
	require.NoError(t, q.Start(context.Background()))

	var ids []string
	for range 3 {
		job, err := q.Enqueue(context.Background(), episode())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitState(t, store, id, StateDone)
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestQueue_GracefulShutdownDrains(t *testing.T) {
	store := newMemoryStore()
	exec := func(context.Context, *Job) (Outcome, error) {
		time.Sleep(30 * time.Millisecond)
		return Outcome{}, nil
	}
	q := newTestQueue(t, store, exec, Options{})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(q.Running()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, q.GracefulShutdown(time.Second))
	assert.Equal(t, StateDone, store.state(job.ID))

	_, err = q.Enqueue(context.Background(), episode())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestQueue_GracefulShutdownInterruptsToQueued(t *testing.T) {
	store := newMemoryStore()
	started := make(chan struct{})
	exec := func(ctx context.Context, _ *Job) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}
	q := newTestQueue(t, store, exec, Options{})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	<-started

	require.NoError(t, q.GracefulShutdown(50*time.Millisecond))
	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, "interrupted by shutdown", got.Message)
}

func TestQueue_SubmitIdempotent(t *testing.T) {
	store := newMemoryStore()
	q := newTestQueue(t, store, done(""), Options{})
	ctx := context.Background()

	first, created, err := q.SubmitIdempotent(ctx, "ep-1", time.Hour, episode())
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := q.SubmitIdempotent(ctx, "ep-1", time.Hour, episode())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	store.mu.Lock()
	entry := store.idem["ep-1"]
	entry.createdAt = time.Now().Add(-2 * time.Hour)
	store.idem["ep-1"] = entry
	store.mu.Unlock()

	fresh, created, err := q.SubmitIdempotent(ctx, "ep-1", time.Hour, episode())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, fresh.ID)

	a, createdA, err := q.SubmitIdempotent(ctx, "", time.Hour, episode())
	require.NoError(t, err)
	b, createdB, err := q.SubmitIdempotent(ctx, "", time.Hour, episode())
	require.NoError(t, err)
	assert.True(t, createdA)
	assert.True(t, createdB)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestQueue_AdoptTakesJobsFromOtherProcesses(t *testing.T) {
	store := newMemoryStore()
	q := newTestQueue(t, store, done(""), Options{})
	ctx := context.Background()

	own, err := q.Enqueue(ctx, episode())
	require.NoError(t, err)
	n, err := q.Adopt(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "jobs this queue pushed are not adopted again")

	require.NoError(t, store.Put(ctx, &Job{ID: "foreign", VideoPath: "/v/b.mkv", State: StateQueued, CreatedAt: time.Now()}))
	n, err = q.Adopt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Start(ctx))
	waitState(t, store, own.ID, StateDone)
	waitState(t, store, "foreign", StateDone)

	n, err = q.Adopt(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_Resynth(t *testing.T) {
	store := newMemoryStore()
	var mu sync.Mutex
	var seen []*Resynth
	exec := func(_ context.Context, job *Job) (Outcome, error) {
		mu.Lock()
		seen = append(seen, job.Runtime.Resynth)
		mu.Unlock()
		return Outcome{}, nil
	}
	q := newTestQueue(t, store, exec, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, episode())
	require.NoError(t, err)
	_, err = q.Resynth(ctx, job.ID, "new voice map")
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, q.Start(ctx))
	waitState(t, store, job.ID, StateDone)

	queued, err := q.Resynth(ctx, job.ID, "new voice map")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, queued.State)
	waitState(t, store, job.ID, StateDone)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Nil(t, seen[0])
	require.NotNil(t, seen[1])
	assert.Equal(t, "new voice map", seen[1].Reason)

	_, err = q.Resynth(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ResynthRejectsFinalOnlyJobs(t *testing.T) {
	store := newMemoryStore()
	q := newTestQueue(t, store, func(context.Context, *Job) (Outcome, error) { return Outcome{}, nil }, Options{})
	ctx := context.Background()

	ep := episode()
	ep.Runtime.Features.CachePolicy = CachePolicyFinalOnly
	job, err := q.Enqueue(ctx, ep)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	waitState(t, store, job.ID, StateDone)

	_, err = q.Resynth(ctx, job.ID, "new voice map")
	assert.ErrorIs(t, err, ErrIntermediatesPurged)
	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, stored.State)
	assert.Nil(t, stored.Runtime.Resynth)
}

// slowReleaseBackend widens the window between a run finishing and its lock
// being released.
type slowReleaseBackend struct {
	*LocalBackend
}

func (b *slowReleaseBackend) Release(ctx context.Context, id string) error {
	time.Sleep(30 * time.Millisecond)
	return b.LocalBackend.Release(ctx, id)
}

func TestQueue_RequeueIsPushedAfterLockRelease(t *testing.T) {
	store := newMemoryStore()
	var calls atomic.Int32
	exec := func(context.Context, *Job) (Outcome, error) {
		if calls.Add(1) == 1 {
			return Outcome{Requeue: true, Message: "pass2 queued"}, nil
		}
		return Outcome{Message: "cloned"}, nil
	}
	q := newTestQueue(t, store, exec, Options{
		Concurrency: 2,
		Backend:     &slowReleaseBackend{LocalBackend: NewLocalBackend()},
	})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	waitState(t, store, job.ID, StateDone)
	assert.EqualValues(t, 2, calls.Load())
}

func TestQueue_BusyIdIsRetriedLater(t *testing.T) {
	store := newMemoryStore()
	backend := NewLocalBackend()
	var calls atomic.Int32
	exec := func(context.Context, *Job) (Outcome, error) {
		calls.Add(1)
		return Outcome{}, nil
	}
	q := newTestQueue(t, store, exec, Options{Backend: backend})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, episode())
	require.NoError(t, err)
	ok, err := backend.Acquire(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Start(ctx))
	assert.Never(t, func() bool { return calls.Load() > 0 }, 60*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, backend.Release(ctx, job.ID))
	waitState(t, store, job.ID, StateDone)
	assert.EqualValues(t, 1, calls.Load())
}

func TestQueue_RecoverLeavesJobsHeldByAnotherProcess(t *testing.T) {
	store := newMemoryStore()
	backend := NewLocalBackend()
	release := make(chan struct{})
	var calls atomic.Int32
	exec := func(context.Context, *Job) (Outcome, error) {
		calls.Add(1)
		<-release
		return Outcome{Message: "finished by owner"}, nil
	}
	owner := newTestQueue(t, store, exec, Options{Backend: backend})
	ctx := context.Background()
	require.NoError(t, owner.Start(ctx))
	job, err := owner.Enqueue(ctx, episode())
	require.NoError(t, err)
	waitState(t, store, job.ID, StateRunning)

	second := newTestQueue(t, store, exec, Options{Backend: backend})
	require.NoError(t, second.Start(ctx))
	assert.Equal(t, StateRunning, store.state(job.ID))

	close(release)
	waitState(t, store, job.ID, StateDone)
	assert.EqualValues(t, 1, calls.Load())
	lines, _ := store.TailLog(ctx, job.ID, 10)
	assert.NotContains(t, lines, "recovered after restart, resuming from checkpoints")
	assert.Equal(t, "done: finished by owner", lines[len(lines)-1])
}

func TestQueue_FinishSettlesJobDemotedWhileRunning(t *testing.T) {
	store := newMemoryStore()
	exec := func(ctx context.Context, job *Job) (Outcome, error) {
		_, err := store.Update(ctx, job.ID, func(j *Job) {
			j.State = StateQueued
			j.Message = "recovered after restart"
		})
		return Outcome{Message: "finished anyway"}, err
	}
	q := newTestQueue(t, store, exec, Options{})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), episode())
	require.NoError(t, err)
	waitState(t, store, job.ID, StateDone)
	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "finished anyway", stored.Message)
	assert.Equal(t, 1.0, stored.Progress)
}
