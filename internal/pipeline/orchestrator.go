// Package pipeline runs the dubbing stages of a job: a declarative stage
// table executed by one generic runner that owns checkpoints, timeouts,
// cancellation, progress and the failure policy of each stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MimeLyc/anidub/internal/breaker"
	"github.com/MimeLyc/anidub/internal/checkpoint"
	"github.com/MimeLyc/anidub/internal/config"
	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/internal/scheduler"
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/tts"
	"github.com/MimeLyc/anidub/pkg/file"
	"github.com/MimeLyc/anidub/pkg/log"
)

type Settings struct {
	DefaultSrcLang    string
	DefaultTgtLang    string
	Device            string
	TwoPassOnHigh     bool
	StrictTranslation bool
	StageTimeouts     map[string]time.Duration
	WatchdogPoll      time.Duration
	// ReapGrace bounds the wait for an interrupted stage to return.
	ReapGrace time.Duration
	// SampleRate of the silence track written when synthesis fails.
	SampleRate int
}

// SettingsFromConfig picks the orchestrator's settings out of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		DefaultSrcLang:    cfg.Pipeline.DefaultSrcLang,
		DefaultTgtLang:    cfg.Pipeline.DefaultTgtLang,
		Device:            cfg.Pipeline.Device,
		TwoPassOnHigh:     cfg.Pipeline.TwoPassOnHigh,
		StrictTranslation: cfg.Pipeline.StrictTranslation,
		StageTimeouts:     cfg.Limits.StageTimeouts,
		WatchdogPoll:      cfg.Pipeline.WatchdogPoll,
	}
}

type Deps struct {
	Store jobs.Store
	// Catalog is optional; without it speaker ids are job-local and no
	// glossary, voice profile, QA or storage data is recorded.
	Catalog jobs.Catalog
	Stages  stages.Set
	// Scheduler is optional and gates stage phases.
	Scheduler scheduler.Scheduler
	// Breakers, when set, is snapshotted into the job runtime after synthesis.
	Breakers *breaker.Registry
}

type Orchestrator struct {
	settings Settings
	deps     Deps
}

func NewOrchestrator(settings Settings, deps Deps) *Orchestrator {
	if settings.WatchdogPoll <= 0 {
		settings.WatchdogPoll = 250 * time.Millisecond
	}
	if settings.SampleRate <= 0 {
		settings.SampleRate = tts.DefaultSampleRate
	}
	if settings.DefaultTgtLang == "" {
		settings.DefaultTgtLang = "en"
	}
	return &Orchestrator{settings: settings, deps: deps}
}

// Executor adapts the orchestrator to the queue.
func (o *Orchestrator) Executor() jobs.Executor {
	return o.Run
}

// Run executes one pass of job. It returns a requeue outcome after pass 1
// of a two-pass job, jobs.ErrCanceled when canceled, and a non-nil error
// when a fatal stage failed.
func (o *Orchestrator) Run(ctx context.Context, job *jobs.Job) (jobs.Outcome, error) {
	r, err := o.newRun(ctx, job)
	if err != nil {
		return jobs.Outcome{}, err
	}
	log.Info("Job %s: starting %s run of %s", job.ID, r.pass.Kind, job.VideoPath)

	if err := r.begin(ctx); err != nil {
		return jobs.Outcome{}, err
	}

	for _, st := range o.stageTable() {
		if err := r.exec(ctx, st); err != nil {
			if IsSkip(err) {
				return r.finishSkipped(ctx, err)
			}
			if errors.Is(err, jobs.ErrCanceled) {
				return jobs.Outcome{}, jobs.ErrCanceled
			}
			return jobs.Outcome{}, err
		}
	}

	return r.finish(ctx)
}

func (o *Orchestrator) newRun(ctx context.Context, job *jobs.Job) (*run, error) {
	if job.OutputDir == "" || job.WorkDir == "" {
		return nil, fmt.Errorf("job %s has no output or work directory", job.ID)
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	r := &run{
		o:      o,
		bg:     context.WithoutCancel(ctx),
		job:    job.Clone(),
		pass:   planPass(job, o.settings.TwoPassOnHigh),
		paths:  newPaths(job),
		source: sourceIdentity(job.VideoPath),
		forced: make(map[string]bool),
	}
	if _, err := checkpoint.Read(r.paths.checkpoint); err != nil {
		// a corrupt document only costs recomputation
		log.Warn("Job %s: ignoring unreadable checkpoint: %v", job.ID, err)
		if err := file.RemoveAll(r.paths.checkpoint); err != nil {
			return nil, fmt.Errorf("remove corrupt checkpoint: %w", err)
		}
	}
	r.bindSource(o.stageTable())
	r.progress = newProgressReporter(job.Progress, r.persistProgress)
	return r, nil
}
