package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_JobCapBlocksUntilRelease(t *testing.T) {
	s := NewLocal(Limits{MaxJobs: 1})

	release, err := s.AcquireJob(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := s.AcquireJob(context.Background(), "b")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second job admitted while cap was full")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release() // idempotent
	require.Eventually(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestLocal_Backpressure(t *testing.T) {
	s := NewLocal(Limits{MaxJobs: 1, MaxWaiting: 1})

	release, err := s.AcquireJob(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.AcquireJob(ctx, "b")
	}()

	require.Eventually(t, func() bool {
		_, waiting := s.Stats()
		return waiting == 1
	}, time.Second, 5*time.Millisecond)

	_, err = s.AcquireJob(context.Background(), "c")
	assert.ErrorIs(t, err, ErrBackpressure)

	cancel()
	wg.Wait()
}

func TestLocal_PhaseCap(t *testing.T) {
	s := NewLocal(Limits{PhaseCaps: map[string]int{"transcribe": 1}})

	release, err := s.AcquirePhase(context.Background(), "a", "transcribe")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.AcquirePhase(ctx, "b", "transcribe")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	uncapped, err := s.AcquirePhase(context.Background(), "b", "tts")
	require.NoError(t, err)
	uncapped()

	release()
	again, err := s.AcquirePhase(context.Background(), "b", "transcribe")
	require.NoError(t, err)
	again()
}

func TestLocal_AdmissionRate(t *testing.T) {
	s := NewLocal(Limits{AdmissionRate: 1, AdmissionBurst: 1})

	r, err := s.AcquireJob(context.Background(), "a")
	require.NoError(t, err)
	r()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.AcquireJob(ctx, "b")
	assert.Error(t, err)
}
