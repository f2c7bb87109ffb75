// Package stages defines the contracts of the pipeline's stage collaborators.
// Implementations live elsewhere (media, tts, stages/external) or in tests.
package stages

import "context"

type AudioExtractor interface {
	// ExtractAudio writes a mono WAV of video's main audio track to wavOut.
	ExtractAudio(ctx context.Context, video, wavOut string) error
}

// MediaInfo is what the orchestrator needs to know about an input video.
type MediaInfo struct {
	DurationS float64 `json:"duration_s"`
	// AudioLanguages are ISO 639-1 codes of tagged audio streams, "und" when untagged.
	AudioLanguages []string `json:"audio_languages"`
}

type Prober interface {
	Probe(ctx context.Context, video string) (MediaInfo, error)
}

type DiarizeRequest struct {
	Audio     string `json:"audio"`
	Device    string `json:"device"`
	Smoothing bool   `json:"smoothing"`
}

type Diarizer interface {
	Diarize(ctx context.Context, req DiarizeRequest) ([]Utterance, error)
}

type TranscribeRequest struct {
	Audio    string `json:"audio"`
	Model    string `json:"model"`
	Device   string `json:"device"`
	Language string `json:"language,omitempty"` // empty means detect
	SRTOut   string `json:"srt_out"`
	JSONOut  string `json:"json_out"`
}

type Transcriber interface {
	// Transcribe writes an SRT file and a Transcript JSON sidecar.
	Transcribe(ctx context.Context, req TranscribeRequest) error
}

type TranslateRequest struct {
	Segments []Segment         `json:"segments"`
	Src      string            `json:"src"`
	Tgt      string            `json:"tgt"`
	Glossary map[string]string `json:"glossary,omitempty"`
	PGFilter bool              `json:"pg_filter"`
}

type Translator interface {
	// Translate returns segments with Translated filled, in input order.
	Translate(ctx context.Context, req TranslateRequest) ([]Segment, error)
}

type SynthesisRequest struct {
	Segments    []Segment           `json:"segments"`
	Lang        string              `json:"lang"`
	WavOut      string              `json:"wav_out"`
	ManifestOut string              `json:"manifest_out"`
	WorkDir     string              `json:"work_dir"`
	DurationS   float64             `json:"duration_s"`
	VoiceMap    map[string]string   `json:"voice_map,omitempty"`
	Refs        map[string][]string `json:"refs,omitempty"`
	Clone       bool                `json:"clone"`
	// Progress receives completed and total segment counts.
	Progress func(done, total int) `json:"-"`
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) error
}

type MixRequest struct {
	Video      string  `json:"video"`
	DubWav     string  `json:"dub_wav"`
	Background string  `json:"background,omitempty"`
	Subtitles  string  `json:"subtitles,omitempty"`
	Lang       string  `json:"lang"`
	Out        string  `json:"out"`
	Music      []Range `json:"music,omitempty"`
}

type Mixer interface {
	Mix(ctx context.Context, req MixRequest) error
}

type Muxer interface {
	Mux(ctx context.Context, req MixRequest) error
}

type MusicDetector interface {
	DetectMusic(ctx context.Context, audio string) ([]Range, error)
}

type SeparationResult struct {
	Vocals     string `json:"vocals"`
	Background string `json:"background"`
}

type Separator interface {
	Separate(ctx context.Context, audio, outDir string) (SeparationResult, error)
}

type VoiceRefRequest struct {
	Audio      string      `json:"audio"`
	Utterances []Utterance `json:"utterances"`
	OutDir     string      `json:"out_dir"`
}

type VoiceRefExtractor interface {
	// ExtractRefs returns reference clip paths per speaker.
	ExtractRefs(ctx context.Context, req VoiceRefRequest) (map[string][]string, error)
}

type MobileExporter interface {
	ExportMobile(ctx context.Context, mkv, outDir string) ([]string, error)
}

type LipSyncer interface {
	LipSync(ctx context.Context, video, dubWav, out string) error
}

type QARequest struct {
	JobID    string    `json:"job_id"`
	Segments []Segment `json:"segments"`
	DubWav   string    `json:"dub_wav"`
	Output   string    `json:"output"`
}

type Finding struct {
	SegmentIndex int    `json:"segment_index"`
	Kind         string `json:"kind"`
	Severity     string `json:"severity"`
	Note         string `json:"note"`
	// Moderation marks content findings; Kind is then the moderation category.
	Moderation bool `json:"moderation"`
}

type QualityChecker interface {
	Check(ctx context.Context, req QARequest) ([]Finding, error)
}

// Set bundles the collaborators of one pipeline. Nil optional members
// disable their stage.
type Set struct {
	Prober      Prober
	Audio       AudioExtractor
	Diarizer    Diarizer
	Transcriber Transcriber
	Translator  Translator
	Synthesizer Synthesizer
	Mixer       Mixer
	Muxer       Muxer

	Music     MusicDetector
	Separator Separator
	VoiceRefs VoiceRefExtractor
	Mobile    MobileExporter
	LipSync   LipSyncer
	QA        QualityChecker
}
