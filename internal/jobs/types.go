package jobs

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateQueued   State = "QUEUED"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateCanceled State = "CANCELED"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

type Mode string

const (
	ModeHigh   Mode = "high"
	ModeMedium Mode = "medium"
	ModeLow    Mode = "low"
)

// ASRModel maps the quality mode to a transcription model name.
func (m Mode) ASRModel() string {
	switch m {
	case ModeHigh:
		return "large-v3"
	case ModeLow:
		return "small"
	default:
		return "medium"
	}
}

type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

type Job struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	VideoPath string  `json:"video_path"`
	DurationS float64 `json:"duration_s"`
	Mode      Mode    `json:"mode"`
	Device    Device  `json:"device"`
	SrcLang   string  `json:"src_lang"`
	TgtLang   string  `json:"tgt_lang"`

	SeriesTitle   string     `json:"series_title"`
	SeriesSlug    string     `json:"series_slug"`
	SeasonNumber  int        `json:"season_number"`
	EpisodeNumber int        `json:"episode_number"`
	Visibility    Visibility `json:"visibility"`

	State    State   `json:"state"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	Error    string  `json:"error,omitempty"`

	WorkDir   string `json:"work_dir"`
	OutputDir string `json:"output_dir"`
	OutputMKV string `json:"output_mkv"`
	OutputSRT string `json:"output_srt"`
	LogPath   string `json:"log_path"`

	Runtime Runtime `json:"runtime"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	raw, err := json.Marshal(j)
	if err != nil {
		tmp := *j
		return &tmp
	}
	var out Job
	if err := json.Unmarshal(raw, &out); err != nil {
		tmp := *j
		return &tmp
	}
	return &out
}

type TwoPassPhase string

const (
	PhasePass1 TwoPassPhase = "pass1"
	PhasePass2 TwoPassPhase = "pass2"
	PhaseDone  TwoPassPhase = "done"
)

// Two-pass markers written to the job log and runtime.
const (
	MarkerPassAComplete       = "passA_complete"
	MarkerPassBCloningStarted = "passB_cloning_started"
	MarkerRefsExtracted       = "refs_extracted"
	MarkerPassBComplete       = "passB_complete"
)

type TwoPass struct {
	Enabled        bool            `json:"enabled"`
	Phase          TwoPassPhase    `json:"phase,omitempty"`
	Markers        []string        `json:"markers,omitempty"`
	SkippedInPass2 []string        `json:"skipped_in_pass2,omitempty"`
	Request        *TwoPassRequest `json:"request,omitempty"`
}

type TwoPassRequest struct {
	Clone       bool      `json:"clone"`
	RequestedAt time.Time `json:"requested_at"`
}

// HasMarker reports whether marker was already recorded.
func (t *TwoPass) HasMarker(marker string) bool {
	if t == nil {
		return false
	}
	for _, m := range t.Markers {
		if m == marker {
			return true
		}
	}
	return false
}

type Resynth struct {
	Requested bool   `json:"requested"`
	Reason    string `json:"reason,omitempty"`
}

type BreakerState struct {
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Cache policies applied to a job's output directory once it is complete.
const (
	CachePolicyKeep      = "keep"
	CachePolicyMinimal   = "minimal"
	CachePolicyFinalOnly = "final_only"
)

// Features are per-job toggles. Nil means "use the configured default".
type Features struct {
	PGFilter         *bool  `json:"pg_filter,omitempty"`
	QA               *bool  `json:"qa,omitempty"`
	SpeakerSmoothing *bool  `json:"speaker_smoothing,omitempty"`
	Director         *bool  `json:"director,omitempty"`
	PrivacyMode      *bool  `json:"privacy_mode,omitempty"`
	CachePolicy      string `json:"cache_policy,omitempty"`
	MusicDetect      *bool  `json:"music_detect,omitempty"`
	Separation       *bool  `json:"separation,omitempty"`
	Lipsync          *bool  `json:"lipsync,omitempty"`
	MobileExport     *bool  `json:"mobile_export,omitempty"`
	VoiceClone       *bool  `json:"voice_clone,omitempty"`
	TwoPass          *bool  `json:"two_pass,omitempty"`
}

// Enabled resolves a toggle against its default.
func Enabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}

// Bool returns a pointer to v, for building Features literals.
func Bool(v bool) *bool { return &v }

// Runtime is the per-job side channel. Keys not modelled here are kept in
// Extra and written back unchanged.
type Runtime struct {
	Version            int                     `json:"version,omitempty"`
	Attempts           map[string]int          `json:"attempts,omitempty"`
	Breakers           map[string]BreakerState `json:"breakers,omitempty"`
	Degraded           bool                    `json:"degraded,omitempty"`
	DegradedReasons    []string                `json:"degraded_reasons,omitempty"`
	Resynth            *Resynth                `json:"resynth,omitempty"`
	TwoPass            *TwoPass                `json:"two_pass,omitempty"`
	Features           Features                `json:"features"`
	VoiceMap           map[string]string       `json:"voice_map,omitempty"`
	CharacterMap       map[string]string       `json:"character_map,omitempty"`
	ImportedTranscript string                  `json:"imported_transcript,omitempty"`
	DetectedLang       string                  `json:"detected_lang,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type runtimeAlias Runtime

var runtimeKnownKeys = map[string]struct{}{
	"version": {}, "attempts": {}, "breakers": {}, "degraded": {}, "degraded_reasons": {},
	"resynth": {}, "two_pass": {}, "features": {}, "voice_map": {}, "character_map": {},
	"imported_transcript": {}, "detected_lang": {},
}

func (r Runtime) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(runtimeAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return raw, nil
	}
	merged := make(map[string]json.RawMessage, len(r.Extra)+len(runtimeKnownKeys))
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, known := runtimeKnownKeys[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (r *Runtime) UnmarshalJSON(data []byte) error {
	var alias runtimeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range runtimeKnownKeys {
		delete(all, k)
	}
	*r = Runtime(alias)
	if len(all) > 0 {
		r.Extra = all
	}
	return nil
}

// MarkDegraded flags the job as degraded and records why.
func (r *Runtime) MarkDegraded(reason string) {
	r.Degraded = true
	for _, existing := range r.DegradedReasons {
		if existing == reason {
			return
		}
	}
	r.DegradedReasons = append(r.DegradedReasons, reason)
}

// IncAttempt bumps the attempt counter for stage and returns the new value.
func (r *Runtime) IncAttempt(stage string) int {
	if r.Attempts == nil {
		r.Attempts = make(map[string]int)
	}
	r.Attempts[stage]++
	return r.Attempts[stage]
}

// Outcome is what an Executor reports for a run that returned no error.
type Outcome struct {
	// Requeue asks the queue to put the job back as QUEUED at elevated priority.
	Requeue bool
	Message string
}
