package stages

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/MimeLyc/anidub/internal/subtitle"
)

// Segment is one timed line of speech. Times are in seconds.
type Segment struct {
	Index      int     `json:"index"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    string  `json:"speaker,omitempty"`
	Text       string  `json:"text"`
	Translated string  `json:"translated,omitempty"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Utterance is one diarized speaker turn.
type Utterance struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcript is the JSON sidecar written next to an SRT.
type Transcript struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

func ReadJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes v to path through a temp file and rename.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// TranscriptFromSRT converts parsed subtitles into segments.
func TranscriptFromSRT(f *subtitle.File) Transcript {
	t := Transcript{Segments: make([]Segment, 0, len(f.Lines))}
	if f.Language != "" && f.Language != "und" {
		t.Language = f.Language
	}
	for i, line := range f.Lines {
		t.Segments = append(t.Segments, Segment{
			Index:      i,
			Start:      line.StartTime.Seconds(),
			End:        line.EndTime.Seconds(),
			Text:       line.Text,
			Translated: line.TranslatedText,
		})
	}
	return t
}

// SRTFromSegments builds an SRT file of the translated text, falling back to
// the original where no translation exists.
func SRTFromSegments(segs []Segment, lang string) *subtitle.File {
	f := &subtitle.File{Language: lang, Format: "SRT", Lines: make([]subtitle.Line, 0, len(segs))}
	for i, s := range segs {
		f.Lines = append(f.Lines, subtitle.Line{
			Index:          i + 1,
			StartTime:      seconds(s.Start),
			EndTime:        seconds(s.End),
			Text:           s.Text,
			TranslatedText: s.Translated,
		})
	}
	return f
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// AssignSpeakers labels each segment with the speaker whose utterances
// overlap it the most. Segments without overlap keep their speaker.
func AssignSpeakers(segs []Segment, utts []Utterance) []Segment {
	out := make([]Segment, len(segs))
	copy(out, segs)
	if len(utts) == 0 {
		return out
	}
	for i := range out {
		overlap := make(map[string]float64)
		for _, u := range utts {
			lo := max(out[i].Start, u.Start)
			hi := min(out[i].End, u.End)
			if hi > lo {
				overlap[u.Speaker] += hi - lo
			}
		}
		best, bestDur := "", 0.0
		speakers := make([]string, 0, len(overlap))
		for spk := range overlap {
			speakers = append(speakers, spk)
		}
		sort.Strings(speakers)
		for _, spk := range speakers {
			if overlap[spk] > bestDur {
				best, bestDur = spk, overlap[spk]
			}
		}
		if best != "" {
			out[i].Speaker = best
		}
	}
	return out
}

// SmoothSpeakers relabels a short segment whose neighbours agree on a
// different speaker (A B A becomes A A A).
func SmoothSpeakers(segs []Segment, maxFlip float64) []Segment {
	out := make([]Segment, len(segs))
	copy(out, segs)
	for i := 1; i+1 < len(out); i++ {
		prev, next := out[i-1].Speaker, out[i+1].Speaker
		if prev != "" && prev == next && out[i].Speaker != prev && out[i].Duration() <= maxFlip {
			out[i].Speaker = prev
		}
	}
	return out
}

// RemapUtterances rewrites speaker labels through mapping; unmapped labels are kept.
func RemapUtterances(utts []Utterance, mapping map[string]string) []Utterance {
	out := make([]Utterance, len(utts))
	for i, u := range utts {
		if id, ok := mapping[u.Speaker]; ok && id != "" {
			u.Speaker = id
		}
		out[i] = u
	}
	return out
}

// Speakers returns the distinct speaker labels in first-seen order.
func Speakers(utts []Utterance) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range utts {
		if _, ok := seen[u.Speaker]; ok || u.Speaker == "" {
			continue
		}
		seen[u.Speaker] = struct{}{}
		out = append(out, u.Speaker)
	}
	return out
}
