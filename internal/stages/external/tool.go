// Package external implements stage collaborators as external programs.
//
// A tool is invoked as
//
//	<command...> --request <req.json> --response <resp.json>
//
// and must write its JSON response before exiting with status 0. Exit status
// 75 (EX_TEMPFAIL) marks a transient failure that is retried.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/anidub/internal/watchdog"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/avast/retry-go/v4"
)

// ExitTempFail is the exit status a tool uses to ask for a retry.
const ExitTempFail = 75

type Tool struct {
	Name    string
	Command []string
	// Attempts is the total number of tries for transient failures.
	Attempts   uint
	RetryDelay time.Duration
	Options    watchdog.Options
}

// NewTool returns nil when command is empty, meaning "not configured".
func NewTool(name, command string, retries int, opts watchdog.Options) *Tool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	if retries < 0 {
		retries = 0
	}
	return &Tool{
		Name:       name,
		Command:    fields,
		Attempts:   uint(retries) + 1,
		RetryDelay: time.Second,
		Options:    opts,
	}
}

// Call sends req and decodes the tool's answer into resp (which may be nil).
func (t *Tool) Call(ctx context.Context, req, resp any) error {
	dir, err := os.MkdirTemp("", "anidub-"+t.Name+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	reqPath := filepath.Join(dir, "request.json")
	respPath := filepath.Join(dir, "response.json")
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", t.Name, err)
	}
	if err := os.WriteFile(reqPath, raw, 0o600); err != nil {
		return err
	}

	args := append(append([]string{}, t.Command[1:]...), "--request", reqPath, "--response", respPath)
	err = retry.Do(
		func() error {
			_ = os.Remove(respPath)
			res, err := watchdog.RunProcess(ctx, watchdog.ProcessSpec{
				Name:    t.Name,
				Path:    t.Command[0],
				Args:    args,
				Options: t.Options,
			})
			if err == nil {
				log.Debug("Tool %s finished in %s", t.Name, res.Duration)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(t.attempts()),
		retry.Delay(t.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Tool %s attempt %d failed, retrying: %v", t.Name, n+1, err)
		}),
	)
	if err != nil {
		return err
	}

	if resp == nil {
		return nil
	}
	out, err := os.ReadFile(respPath)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", t.Name, err)
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", t.Name, err)
	}
	return nil
}

func (t *Tool) attempts() uint {
	if t.Attempts == 0 {
		return 1
	}
	return t.Attempts
}

func isTransient(err error) bool {
	var exitErr *watchdog.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode == ExitTempFail
}
