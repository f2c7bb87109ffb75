package pipeline

import (
	"context"
)

// Policy decides what a stage failure does to the job.
type Policy int

const (
	// PolicyFatal fails the job.
	PolicyFatal Policy = iota
	// PolicyDegrade marks the job degraded and continues. Fallback, when
	// set, runs best effort to leave consistent artifacts behind.
	PolicyDegrade
	// PolicyFallback runs Fallback; only a failing fallback fails the job.
	PolicyFallback
)

// Pass2Rule is how a stage behaves in the voice-cloning rerun.
type Pass2Rule int

const (
	// Pass2Run treats the stage like any other pass.
	Pass2Run Pass2Rule = iota
	// Pass2Require reuses the pass 1 result; without it the job ends skipped.
	Pass2Require
	// Pass2ReuseOrSkip reuses the pass 1 result or skips the stage.
	Pass2ReuseOrSkip
	// Pass2Force discards earlier output and runs again.
	Pass2Force
)

// Stage is one declarative pipeline step executed by runner.
type Stage struct {
	// Name appears in job logs.
	Name string
	// Key is the checkpoint key; empty means the stage is not checkpointed.
	Key    string
	Policy Policy
	// Start and Done are the progress milestones around the stage.
	Start, Done float64

	// Post stages run after the final mux and never in pass 1.
	Post        bool
	SkipInPass1 bool
	Pass2       Pass2Rule
	// ResumeOnArtifacts accepts existing artifacts as done even without a checkpoint entry.
	ResumeOnArtifacts bool

	Enabled   func(r *run) bool
	Artifacts func(r *run) map[string]string
	Params    func(r *run) map[string]any
	Run       func(ctx context.Context, r *run) error
	Fallback  func(ctx context.Context, r *run, cause error) error
	// After runs on the pipeline goroutine once the stage succeeded or was
	// satisfied from a checkpoint. Its error is handled by Policy.
	After func(ctx context.Context, r *run) error
}

// id names the stage for timeouts and scheduler phases.
func (s Stage) id() string {
	if s.Key != "" {
		return s.Key
	}
	return s.Name
}

func (s Stage) enabled(r *run) bool {
	return s.Enabled == nil || s.Enabled(r)
}

func (s Stage) artifacts(r *run) map[string]string {
	if s.Artifacts == nil {
		return nil
	}
	return s.Artifacts(r)
}

func (s Stage) params(r *run) map[string]any {
	if s.Params == nil {
		return nil
	}
	return s.Params(r)
}
