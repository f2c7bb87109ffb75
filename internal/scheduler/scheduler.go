// Package scheduler provides admission control for jobs and their phases.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBackpressure means too many callers are already waiting for admission.
// Callers should retry later rather than fail the job.
var ErrBackpressure = errors.New("scheduler: admission backpressure")

// Release returns a slot. Calling it more than once is a no-op.
type Release func()

type Scheduler interface {
	AcquireJob(ctx context.Context, jobID string) (Release, error)
	AcquirePhase(ctx context.Context, jobID, phase string) (Release, error)
}

type Limits struct {
	// MaxJobs caps concurrently admitted jobs; 0 means unlimited.
	MaxJobs int `mapstructure:"max_jobs"`
	// PhaseCaps caps concurrent executions of a phase across jobs.
	PhaseCaps map[string]int `mapstructure:"phase_caps"`
	// AdmissionRate is admissions per second; 0 means unlimited.
	AdmissionRate  float64 `mapstructure:"admission_rate"`
	AdmissionBurst int     `mapstructure:"admission_burst"`
	// MaxWaiting bounds callers blocked in AcquireJob; 0 means unlimited.
	MaxWaiting int `mapstructure:"max_waiting"`
}

type Local struct {
	jobs       *semaphore.Weighted
	phases     map[string]*semaphore.Weighted
	limiter    *rate.Limiter
	maxWaiting int64
	waiting    atomic.Int64
	admitted   atomic.Int64
}

func NewLocal(limits Limits) *Local {
	s := &Local{
		phases:     make(map[string]*semaphore.Weighted),
		maxWaiting: int64(limits.MaxWaiting),
	}
	if limits.MaxJobs > 0 {
		s.jobs = semaphore.NewWeighted(int64(limits.MaxJobs))
	}
	for phase, n := range limits.PhaseCaps {
		if n > 0 {
			s.phases[phase] = semaphore.NewWeighted(int64(n))
		}
	}
	if limits.AdmissionRate > 0 {
		burst := limits.AdmissionBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(limits.AdmissionRate), burst)
	}
	return s
}

func (s *Local) AcquireJob(ctx context.Context, jobID string) (Release, error) {
	if s.maxWaiting > 0 && s.waiting.Load() >= s.maxWaiting {
		return nil, ErrBackpressure
	}
	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("admit job %s: %w", jobID, err)
		}
	}
	if s.jobs != nil {
		if err := s.jobs.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("admit job %s: %w", jobID, err)
		}
	}
	s.admitted.Add(1)
	return s.releaser(func() {
		s.admitted.Add(-1)
		if s.jobs != nil {
			s.jobs.Release(1)
		}
	}), nil
}

func (s *Local) AcquirePhase(ctx context.Context, jobID, phase string) (Release, error) {
	sem, ok := s.phases[phase]
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("job %s phase %s: %w", jobID, phase, err)
	}
	return s.releaser(func() { sem.Release(1) }), nil
}

// Stats reports current admission counters.
func (s *Local) Stats() (admitted, waiting int64) {
	return s.admitted.Load(), s.waiting.Load()
}

func (s *Local) releaser(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}
