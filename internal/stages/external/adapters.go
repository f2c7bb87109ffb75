package external

import (
	"context"
	"fmt"

	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/tts"
)

var (
	_ stages.Diarizer          = (*Diarizer)(nil)
	_ stages.Transcriber       = (*Transcriber)(nil)
	_ stages.Translator        = (*Translator)(nil)
	_ stages.Mixer             = (*Mixer)(nil)
	_ stages.MusicDetector     = (*MusicDetector)(nil)
	_ stages.Separator         = (*Separator)(nil)
	_ stages.VoiceRefExtractor = (*VoiceRefs)(nil)
	_ stages.MobileExporter    = (*MobileExporter)(nil)
	_ stages.LipSyncer         = (*LipSyncer)(nil)
	_ stages.QualityChecker    = (*QualityChecker)(nil)
	_ tts.Engine               = (*Engine)(nil)
)

type Diarizer struct{ tool *Tool }

func (d *Diarizer) Diarize(ctx context.Context, req stages.DiarizeRequest) ([]stages.Utterance, error) {
	var resp struct {
		Utterances []stages.Utterance `json:"utterances"`
	}
	if err := d.tool.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Utterances, nil
}

type Transcriber struct{ tool *Tool }

// Transcribe expects the tool to write req.SRTOut and req.JSONOut itself.
func (t *Transcriber) Transcribe(ctx context.Context, req stages.TranscribeRequest) error {
	return t.tool.Call(ctx, req, nil)
}

type Translator struct{ tool *Tool }

func (t *Translator) Translate(ctx context.Context, req stages.TranslateRequest) ([]stages.Segment, error) {
	var resp struct {
		Segments []stages.Segment `json:"segments"`
	}
	if err := t.tool.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Segments) != len(req.Segments) {
		return nil, fmt.Errorf("%s: got %d segments for %d inputs", t.tool.Name, len(resp.Segments), len(req.Segments))
	}
	return resp.Segments, nil
}

type Mixer struct{ tool *Tool }

func (m *Mixer) Mix(ctx context.Context, req stages.MixRequest) error {
	return m.tool.Call(ctx, req, nil)
}

type MusicDetector struct{ tool *Tool }

func (m *MusicDetector) DetectMusic(ctx context.Context, audio string) ([]stages.Range, error) {
	var resp struct {
		Ranges []stages.Range `json:"ranges"`
	}
	req := map[string]string{"audio": audio}
	if err := m.tool.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Ranges, nil
}

type Separator struct{ tool *Tool }

func (s *Separator) Separate(ctx context.Context, audio, outDir string) (stages.SeparationResult, error) {
	var resp stages.SeparationResult
	req := map[string]string{"audio": audio, "out_dir": outDir}
	if err := s.tool.Call(ctx, req, &resp); err != nil {
		return stages.SeparationResult{}, err
	}
	return resp, nil
}

type VoiceRefs struct{ tool *Tool }

func (v *VoiceRefs) ExtractRefs(ctx context.Context, req stages.VoiceRefRequest) (map[string][]string, error) {
	var resp struct {
		Refs map[string][]string `json:"refs"`
	}
	if err := v.tool.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Refs, nil
}

type MobileExporter struct{ tool *Tool }

func (m *MobileExporter) ExportMobile(ctx context.Context, mkv, outDir string) ([]string, error) {
	var resp struct {
		Files []string `json:"files"`
	}
	req := map[string]string{"mkv": mkv, "out_dir": outDir}
	if err := m.tool.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

type LipSyncer struct{ tool *Tool }

func (l *LipSyncer) LipSync(ctx context.Context, video, dubWav, out string) error {
	req := map[string]string{"video": video, "dub_wav": dubWav, "out": out}
	return l.tool.Call(ctx, req, nil)
}

type QualityChecker struct{ tool *Tool }

func (q *QualityChecker) Check(ctx context.Context, req stages.QARequest) ([]stages.Finding, error) {
	var resp struct {
		Findings []stages.Finding `json:"findings"`
	}
	if err := q.tool.Call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Findings, nil
}

// Engine is a TTS engine backed by a tool that renders one segment.
type Engine struct{ tool *Tool }

type engineRequest struct {
	Segment stages.Segment `json:"segment"`
	Lang    string         `json:"lang"`
	Speaker string         `json:"speaker"`
	Preset  string         `json:"preset,omitempty"`
	Refs    []string       `json:"refs,omitempty"`
	Out     string         `json:"out"`
}

func (e *Engine) Name() string { return e.tool.Name }

func (e *Engine) Synthesize(ctx context.Context, seg stages.Segment, lang string, voice tts.Voice, out string) error {
	return e.tool.Call(ctx, engineRequest{
		Segment: seg,
		Lang:    lang,
		Speaker: voice.Speaker,
		Preset:  voice.Preset,
		Refs:    voice.Refs,
		Out:     out,
	}, nil)
}
