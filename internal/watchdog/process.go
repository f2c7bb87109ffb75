package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

type ProcessSpec struct {
	// Name labels the phase in errors and logs.
	Name    string
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Stdout  io.Writer
	Timeout time.Duration
	Options Options
}

type ProcessResult struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// ExitError reports a non-zero exit together with the tail of stderr.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.ExitCode, e.Stderr)
}

const stderrTailBytes = 4096

// RunProcess runs an external program in its own process group. Timeout or
// cancellation kills the whole group, so helpers it spawned die with it.
func RunProcess(ctx context.Context, spec ProcessSpec) (ProcessResult, error) {
	name := spec.Name
	if name == "" {
		name = spec.Path
	}
	started := time.Now()

	res, err := Run(ctx, name, spec.Timeout, func(stageCtx context.Context) (ProcessResult, error) {
		cmd := exec.CommandContext(stageCtx, spec.Path, spec.Args...)
		cmd.Dir = spec.Dir
		if len(spec.Env) > 0 {
			cmd.Env = spec.Env
		}
		cmd.Stdin = spec.Stdin
		cmd.Stdout = spec.Stdout
		stderr := &tailBuffer{limit: stderrTailBytes}
		cmd.Stderr = stderr
		setProcessGroup(cmd)
		cmd.WaitDelay = time.Second

		runErr := cmd.Run()
		out := ProcessResult{Stderr: stderr.String()}
		if cmd.ProcessState != nil {
			out.ExitCode = cmd.ProcessState.ExitCode()
		}
		if runErr != nil {
			if stageCtx.Err() != nil {
				return out, stageCtx.Err()
			}
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				return out, &ExitError{Name: name, ExitCode: out.ExitCode, Stderr: out.Stderr}
			}
			return out, fmt.Errorf("run %s: %w", name, runErr)
		}
		return out, nil
	}, spec.Options)
	res.Duration = time.Since(started)
	return res, err
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
