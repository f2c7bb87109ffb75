// Package watchdog bounds stage execution in time and lets a cancellation
// signal interrupt it.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/MimeLyc/anidub/pkg/log"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultReapGrace    = 2 * time.Second
)

// PhaseTimeout is returned when a stage exceeds its deadline.
type PhaseTimeout struct {
	Phase   string
	Timeout time.Duration
}

func (e *PhaseTimeout) Error() string {
	return fmt.Sprintf("phase %s timed out after %s", e.Phase, e.Timeout)
}

type Options struct {
	// PollInterval is how often CancelCheck is consulted.
	PollInterval time.Duration
	// CancelCheck reports an out-of-band cancellation, e.g. a persisted CANCELED state.
	CancelCheck func() bool
	// CancelErr is returned on cancellation; defaults to the context error.
	CancelErr error
	// ReapGrace bounds how long to wait for the stage to return after it was told to stop.
	ReapGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ReapGrace <= 0 {
		o.ReapGrace = defaultReapGrace
	}
	return o
}

type result[T any] struct {
	val T
	err error
}

// Run executes fn under timeout (0 disables it). On timeout it returns
// *PhaseTimeout; on cancellation, opts.CancelErr. In both cases fn's context
// is canceled and Run waits up to ReapGrace for fn to return.
func Run[T any](ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()
	var zero T

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("stage %s panicked: %v", name, r)}
			}
		}()
		v, err := fn(stageCtx)
		done <- result[T]{val: v, err: err}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	canceled := func() error {
		cancel()
		reap(name, done, opts.ReapGrace)
		if opts.CancelErr != nil {
			return opts.CancelErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}

	for {
		select {
		case r := <-done:
			return r.val, r.err
		case <-deadline:
			cancel()
			reap(name, done, opts.ReapGrace)
			return zero, &PhaseTimeout{Phase: name, Timeout: timeout}
		case <-ctx.Done():
			return zero, canceled()
		case <-ticker.C:
			if opts.CancelCheck != nil && opts.CancelCheck() {
				return zero, canceled()
			}
		}
	}
}

func reap[T any](name string, done <-chan result[T], grace time.Duration) {
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("Stage %s did not stop within %s after being interrupted", name, grace)
	}
}
