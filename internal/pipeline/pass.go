package pipeline

import "github.com/MimeLyc/anidub/internal/jobs"

type PassKind int

const (
	PassSingle PassKind = iota
	PassOne
	PassTwo
)

func (k PassKind) String() string {
	switch k {
	case PassOne:
		return "pass1"
	case PassTwo:
		return "pass2"
	default:
		return "single"
	}
}

// Pass is decided once per run and consulted by the runner for every stage.
type Pass struct {
	Kind PassKind
	// Clone enables voice cloning for synthesis.
	Clone bool
}

// twoPassEnabled: an explicit feature flag wins; otherwise high quality
// implies two passes when configured. Disabling voice cloning disables both.
func twoPassEnabled(job *jobs.Job, onHigh bool) bool {
	f := job.Runtime.Features
	if !jobs.Enabled(f.VoiceClone, true) {
		return false
	}
	return jobs.Enabled(f.TwoPass, onHigh && job.Mode == jobs.ModeHigh)
}

func planPass(job *jobs.Job, onHigh bool) Pass {
	tp := job.Runtime.TwoPass
	if !twoPassEnabled(job, onHigh) {
		return Pass{Kind: PassSingle, Clone: jobs.Enabled(job.Runtime.Features.VoiceClone, false)}
	}
	switch {
	case tp != nil && tp.Phase == jobs.PhasePass2:
		return Pass{Kind: PassTwo, Clone: true}
	case tp != nil && tp.Phase == jobs.PhaseDone:
		return Pass{Kind: PassSingle, Clone: true}
	default:
		return Pass{Kind: PassOne, Clone: false}
	}
}
