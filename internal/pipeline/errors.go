package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/internal/watchdog"
)

type ErrorKind int

const (
	// KindFatal fails the job.
	KindFatal ErrorKind = iota
	// KindDegraded was absorbed; the job continues with reduced output.
	KindDegraded
	// KindTimeout is a stage that exceeded its deadline.
	KindTimeout
	// KindCanceled is a stage interrupted by cancellation.
	KindCanceled
	// KindSkip ends the run early without failing the job.
	KindSkip
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "FATAL"
	case KindDegraded:
		return "DEGRADED"
	case KindTimeout:
		return "TIMEOUT"
	case KindCanceled:
		return "CANCELED"
	case KindSkip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

type StageError struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Cause   error
}

func NewStageError(kind ErrorKind, stage, message string, cause error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

func (e *StageError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Stage))
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, jobs.ErrCanceled) hold for canceled stage errors.
func (e *StageError) Is(target error) bool {
	return e.Kind == KindCanceled && target == jobs.ErrCanceled
}

// classify turns a stage failure into a StageError of the matching kind.
func classify(stage string, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	var timeout *watchdog.PhaseTimeout
	switch {
	case errors.Is(err, jobs.ErrCanceled):
		return NewStageError(KindCanceled, stage, "canceled", err)
	case errors.As(err, &timeout):
		return NewStageError(KindTimeout, stage, timeout.Error(), err)
	default:
		return NewStageError(KindFatal, stage, "", err)
	}
}

// IsSkip reports whether err ends the run as a skip.
func IsSkip(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == KindSkip
}
