package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/anidub/internal/checkpoint"
	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/internal/watchdog"
	"github.com/MimeLyc/anidub/pkg/file"
	"github.com/MimeLyc/anidub/pkg/log"
	"golang.org/x/text/language"
)

// paths are the artifact locations of one job.
type paths struct {
	checkpoint string
	audio      string
	diarize    string
	music      string
	separation string
	stemsDir   string
	refs       string
	refsDir    string
	srcSRT     string
	transcript string
	translated string
	outSRT     string
	dubWav     string
	manifest   string
	mkv        string
	mobileDir  string
	lipsync    string
	qa         string
}

func newPaths(job *jobs.Job) paths {
	stem := jobs.Stem(job)
	out := func(suffix string) string { return filepath.Join(job.OutputDir, stem+suffix) }
	return paths{
		checkpoint: checkpoint.Path(job.OutputDir, stem),
		audio:      out(".wav"),
		diarize:    out(".diarization.json"),
		music:      out(".music.json"),
		separation: out(".separation.json"),
		stemsDir:   filepath.Join(job.OutputDir, "stems"),
		refs:       out(".voice_refs.json"),
		refsDir:    filepath.Join(job.OutputDir, "refs"),
		srcSRT:     out(".srt"),
		transcript: out(".json"),
		translated: out(".translated.json"),
		outSRT:     job.OutputSRT,
		dubWav:     out(".dub.wav"),
		manifest:   filepath.Join(job.OutputDir, "tts_manifest.json"),
		mkv:        job.OutputMKV,
		mobileDir:  filepath.Join(job.OutputDir, "mobile"),
		lipsync:    out(".lipsync.mkv"),
		qa:         out(".qa.json"),
	}
}

// run is the state of one executor invocation.
type run struct {
	o *Orchestrator
	// bg outlives cancellation so bookkeeping writes still land.
	bg       context.Context
	job      *jobs.Job
	pass     Pass
	paths    paths
	source   string // identity of the input video
	doc      *checkpoint.Document
	progress *progressReporter
	// forced stage ids discard earlier output and run again.
	forced map[string]bool
}

func (r *run) begin(ctx context.Context) error {
	r.update(func(j *jobs.Job) { j.Runtime.Version = 1 })

	switch r.pass.Kind {
	case PassOne:
		r.update(func(j *jobs.Job) {
			if j.Runtime.TwoPass == nil {
				j.Runtime.TwoPass = &jobs.TwoPass{}
			}
			j.Runtime.TwoPass.Enabled = true
			j.Runtime.TwoPass.Phase = jobs.PhasePass1
		})
	case PassTwo:
		r.mark(jobs.MarkerPassBCloningStarted, "")
		r.forced["tts"] = true
		r.forced["mix"] = true
	}
	if rs := r.job.Runtime.Resynth; rs != nil && rs.Requested {
		r.logf("resynthesis requested: %s", rs.Reason)
		r.forced["tts"] = true
		r.forced["mix"] = true
	}

	if r.job.DurationS <= 0 && r.o.deps.Stages.Prober != nil {
		info, err := r.o.deps.Stages.Prober.Probe(ctx, r.job.VideoPath)
		if err != nil {
			log.Warn("Job %s: probe failed: %v", r.job.ID, err)
		} else if info.DurationS > 0 {
			r.update(func(j *jobs.Job) { j.DurationS = info.DurationS })
		}
	}
	return nil
}

// exec runs one stage through the generic sequence: cancellation check,
// enablement, pass rule, checkpoint reuse, guarded execution, then either a
// checkpoint write or the stage's failure policy.
func (r *run) exec(ctx context.Context, st Stage) error {
	if r.canceled(ctx) {
		return jobs.ErrCanceled
	}
	if !st.enabled(r) {
		r.progress.Report(st.Done, "")
		return nil
	}
	if r.pass.Kind == PassOne && (st.Post || st.SkipInPass1) {
		r.logf("%s skipped in pass 1", st.Name)
		return nil
	}

	artifacts := st.artifacts(r)
	params := st.params(r)
	force := r.forced[st.id()]
	if r.pass.Kind == PassTwo {
		switch st.Pass2 {
		case Pass2Require:
			if !r.reusable(st, artifacts, params) {
				return NewStageError(KindSkip, st.Name, fmt.Sprintf("pass2 skipped: missing %s checkpoint", st.id()), nil)
			}
		case Pass2ReuseOrSkip:
			if !r.reusable(st, artifacts, params) {
				r.update(func(j *jobs.Job) {
					if j.Runtime.TwoPass != nil {
						j.Runtime.TwoPass.SkippedInPass2 = appendUnique(j.Runtime.TwoPass.SkippedInPass2, st.id())
					}
				})
				r.logf("%s skipped in pass 2 (no checkpoint)", st.Name)
				r.progress.Report(st.Done, "")
				return nil
			}
		case Pass2Force:
			force = true
		}
	}

	if force {
		if err := r.discard(st, artifacts); err != nil {
			return NewStageError(KindFatal, st.Name, "discard stale output", err)
		}
	} else if r.reusable(st, artifacts, params) {
		r.logf("%s (checkpoint hit)", st.Name)
		if st.Key != "" && !r.doc.Hit(st.Key, params) {
			r.writeCheckpoint(st, artifacts, params)
		}
		if st.After != nil {
			if err := st.After(ctx, r); err != nil {
				return r.fail(ctx, st, err)
			}
		}
		r.progress.Report(st.Done, st.Name+" reused")
		return nil
	}

	r.progress.Report(st.Start, st.Name+" running")
	r.logf("%s started (progress %.3f)", st.Name, r.progress.Current())
	r.update(func(j *jobs.Job) { j.Runtime.IncAttempt(st.id()) })

	started := time.Now()
	if err := r.guard(ctx, st.id(), st.Name, func(ctx context.Context) error { return st.Run(ctx, r) }); err != nil {
		return r.fail(ctx, st, err)
	}
	if st.After != nil {
		if err := st.After(ctx, r); err != nil {
			return r.fail(ctx, st, err)
		}
	}
	if st.Key != "" {
		r.writeCheckpoint(st, artifacts, params)
	}
	r.progress.Report(st.Done, st.Name+" done")
	r.logf("%s done in %s (progress %.3f)", st.Name, time.Since(started).Round(time.Millisecond), r.progress.Current())
	return nil
}

func (r *run) fail(ctx context.Context, st Stage, err error) error {
	if ctx.Err() != nil {
		return jobs.ErrCanceled
	}
	se := classify(st.Name, err)
	if se.Kind == KindCanceled {
		return jobs.ErrCanceled
	}

	switch st.Policy {
	case PolicyDegrade:
		r.degrade(st.Name, err)
		if st.Fallback != nil {
			if ferr := st.Fallback(ctx, r, err); ferr != nil {
				log.Warn("Job %s: %s fallback failed: %v", r.job.ID, st.Name, ferr)
			}
		}
		r.progress.Report(st.Done, "")
		return nil

	case PolicyFallback:
		r.logf("%s failed, using fallback: %v", st.Name, err)
		ferr := r.guard(ctx, st.id(), st.Name+" fallback", func(ctx context.Context) error {
			return st.Fallback(ctx, r, err)
		})
		if ferr != nil {
			if ctx.Err() != nil {
				return jobs.ErrCanceled
			}
			fse := classify(st.Name, ferr)
			if fse.Kind == KindCanceled {
				return jobs.ErrCanceled
			}
			r.logf("%s fallback failed: %v", st.Name, ferr)
			return fse
		}
		r.update(func(j *jobs.Job) { j.Runtime.MarkDegraded(st.Name + ": fallback used") })
		r.progress.Report(st.Done, st.Name+" done (fallback)")
		r.logf("%s done (fallback)", st.Name)
		return nil

	default:
		r.logf("%s failed: %v", st.Name, err)
		return se
	}
}

// guard runs fn under the phase's scheduler slot and the watchdog.
func (r *run) guard(ctx context.Context, phase, name string, fn func(context.Context) error) error {
	if sched := r.o.deps.Scheduler; sched != nil {
		release, err := sched.AcquirePhase(ctx, r.job.ID, phase)
		if err != nil {
			if ctx.Err() != nil {
				return jobs.ErrCanceled
			}
			return fmt.Errorf("acquire %s slot: %w", phase, err)
		}
		defer release()
	}

	_, err := watchdog.Run(ctx, name, r.o.settings.StageTimeouts[phase], func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, watchdog.Options{
		PollInterval: r.o.settings.WatchdogPoll,
		CancelCheck:  r.cancelRequested,
		CancelErr:    jobs.ErrCanceled,
		ReapGrace:    r.o.settings.ReapGrace,
	})
	return err
}

func (r *run) reusable(st Stage, artifacts map[string]string, params map[string]any) bool {
	if st.Key != "" && r.doc.Hit(st.Key, params) {
		return true
	}
	if st.ResumeOnArtifacts && len(artifacts) > 0 {
		if r.doc == nil || r.doc.Source != r.source {
			return false
		}
		for _, p := range artifacts {
			if !file.Exists(p) {
				return false
			}
		}
		return true
	}
	return false
}

// bindSource ties the checkpoint document to the current input video. When
// it was computed from another file, artifacts that resume without a
// checkpoint entry are removed too.
func (r *run) bindSource(stages []Stage) {
	prev, err := checkpoint.Bind(r.paths.checkpoint, r.job.ID, r.source)
	if err != nil {
		log.Warn("Job %s: checkpoint bind failed: %v", r.job.ID, err)
		return
	}
	if prev != r.source {
		if prev != "" {
			r.logf("source video changed, discarding checkpoints")
		}
		for _, st := range stages {
			if !st.ResumeOnArtifacts {
				continue
			}
			for _, p := range st.artifacts(r) {
				if err := file.RemoveAll(p); err != nil {
					log.Warn("Job %s: remove stale %s: %v", r.job.ID, p, err)
				}
			}
		}
	}
	r.reloadCheckpoint()
}

// sourceIdentity fingerprints the absolute path, size and mtime of the video.
func sourceIdentity(videoPath string) string {
	abs, err := filepath.Abs(videoPath)
	if err != nil {
		abs = videoPath
	}
	id := map[string]any{"path": filepath.Clean(abs)}
	if info, err := os.Stat(abs); err == nil {
		id["size"] = info.Size()
		id["mtime"] = info.ModTime().UnixNano()
	}
	fp, err := checkpoint.Fingerprint(id)
	if err != nil {
		return abs
	}
	return fp
}

// discard removes a stage's previous output before a forced rerun.
func (r *run) discard(st Stage, artifacts map[string]string) error {
	for _, p := range artifacts {
		if err := file.RemoveAll(p); err != nil {
			return err
		}
	}
	if st.Key == "" {
		return nil
	}
	if err := checkpoint.Invalidate(r.paths.checkpoint, st.Key); err != nil {
		return err
	}
	r.reloadCheckpoint()
	return nil
}

func (r *run) writeCheckpoint(st Stage, artifacts map[string]string, params map[string]any) {
	if err := checkpoint.Write(r.paths.checkpoint, r.job.ID, st.Key, artifacts, params); err != nil {
		log.Warn("Job %s: checkpoint write for %s failed: %v", r.job.ID, st.Key, err)
		return
	}
	r.reloadCheckpoint()
}

func (r *run) reloadCheckpoint() {
	doc, err := checkpoint.Read(r.paths.checkpoint)
	if err != nil {
		log.Warn("Job %s: checkpoint reload failed: %v", r.job.ID, err)
		return
	}
	r.doc = doc
}

// finish closes a run that executed every stage.
func (r *run) finish(ctx context.Context) (jobs.Outcome, error) {
	if r.canceled(ctx) {
		return jobs.Outcome{}, jobs.ErrCanceled
	}

	if r.pass.Kind == PassOne {
		r.mark(jobs.MarkerPassAComplete, "")
		r.update(func(j *jobs.Job) {
			if j.Runtime.TwoPass == nil {
				j.Runtime.TwoPass = &jobs.TwoPass{Enabled: true}
			}
			j.Runtime.TwoPass.Phase = jobs.PhasePass2
			j.Runtime.TwoPass.Request = &jobs.TwoPassRequest{Clone: true, RequestedAt: time.Now()}
		})
		return jobs.Outcome{Requeue: true, Message: "pass 1 complete, queued for voice cloning"}, nil
	}

	if r.pass.Kind == PassTwo {
		r.mark(jobs.MarkerPassBComplete, "")
		r.update(func(j *jobs.Job) {
			if j.Runtime.TwoPass != nil {
				j.Runtime.TwoPass.Phase = jobs.PhaseDone
			}
		})
	}
	r.update(func(j *jobs.Job) { j.Runtime.Resynth = nil })
	r.purgeWorkDir()

	msg := "done"
	if r.job.Runtime.Degraded {
		msg = "done (degraded: " + strings.Join(r.job.Runtime.DegradedReasons, "; ") + ")"
	}
	return jobs.Outcome{Message: msg}, nil
}

// finishSkipped ends a pass 2 that lacked a required checkpoint. The job
// keeps its pass 1 output and completes.
func (r *run) finishSkipped(_ context.Context, err error) (jobs.Outcome, error) {
	se, _ := err.(*StageError)
	msg := err.Error()
	if se != nil {
		msg = se.Message
	}
	r.logf("%s", msg)
	r.update(func(j *jobs.Job) {
		if j.Runtime.TwoPass != nil {
			j.Runtime.TwoPass.Phase = jobs.PhaseDone
		}
	})
	r.purgeWorkDir()
	return jobs.Outcome{Message: msg}, nil
}

func (r *run) purgeWorkDir() {
	if err := file.RemoveAll(r.job.WorkDir); err != nil {
		log.Warn("Job %s: purge work dir: %v", r.job.ID, err)
	}
}

// mark records a two-pass marker in the job log and runtime.
func (r *run) mark(marker, detail string) {
	if detail != "" {
		r.logf("%s: %s", marker, detail)
	} else {
		r.logf("%s", marker)
	}
	r.update(func(j *jobs.Job) {
		if j.Runtime.TwoPass == nil {
			j.Runtime.TwoPass = &jobs.TwoPass{Enabled: true}
		}
		if !j.Runtime.TwoPass.HasMarker(marker) {
			j.Runtime.TwoPass.Markers = append(j.Runtime.TwoPass.Markers, marker)
		}
	})
}

func (r *run) degrade(stage string, err error) {
	r.logf("%s failed, continuing degraded: %v", stage, err)
	r.update(func(j *jobs.Job) { j.Runtime.MarkDegraded(fmt.Sprintf("%s: %v", stage, err)) })
}

// update applies mutate to the stored job and refreshes the local copy.
func (r *run) update(mutate func(*jobs.Job)) {
	updated, err := r.o.deps.Store.Update(r.bg, r.job.ID, mutate)
	if err != nil {
		log.Warn("Job %s: update failed: %v", r.job.ID, err)
		mutate(r.job)
		return
	}
	if updated != nil {
		r.job = updated
	}
}

func (r *run) persistProgress(value float64, message string) {
	_, err := r.o.deps.Store.Update(r.bg, r.job.ID, func(j *jobs.Job) {
		if value > j.Progress {
			j.Progress = value
		}
		if message != "" && j.State == jobs.StateRunning {
			j.Message = message
		}
	})
	if err != nil {
		log.Warn("Job %s: progress update failed: %v", r.job.ID, err)
	}
}

func (r *run) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if err := r.o.deps.Store.AppendLog(r.bg, r.job.ID, line); err != nil {
		log.Warn("Job %s: append log: %v", r.job.ID, err)
	}
	log.Debug("Job %s: %s", r.job.ID, line)
}

func (r *run) canceled(ctx context.Context) bool {
	return ctx.Err() != nil || r.cancelRequested()
}

// cancelRequested reads the persisted state; Cancel and Kill write CANCELED
// before they interrupt the worker.
func (r *run) cancelRequested() bool {
	ctx, cancel := context.WithTimeout(r.bg, 5*time.Second)
	defer cancel()
	job, err := r.o.deps.Store.Get(ctx, r.job.ID)
	if err != nil || job == nil {
		return false
	}
	return job.State == jobs.StateCanceled
}

func (r *run) srcLang() string {
	src := r.job.SrcLang
	if src == "" {
		src = r.o.settings.DefaultSrcLang
	}
	if src == "auto" {
		return r.job.Runtime.DetectedLang
	}
	return src
}

func (r *run) tgtLang() string {
	if r.job.TgtLang != "" {
		return r.job.TgtLang
	}
	return r.o.settings.DefaultTgtLang
}

// needsTranslation is true unless source and target share a base language.
// An undetermined source always needs translation.
func (r *run) needsTranslation() bool {
	return !sameLanguage(r.srcLang(), r.tgtLang())
}

func sameLanguage(a, b string) bool {
	if a == "" || b == "" || a == "und" || b == "und" {
		return false
	}
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
