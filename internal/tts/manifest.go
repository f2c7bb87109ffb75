package tts

import (
	"sort"

	"github.com/MimeLyc/anidub/internal/stages"
)

// EngineSilence names the fallback used when every engine failed.
const EngineSilence = "silence"

// ManifestName is the file name of the per-run synthesis report.
const ManifestName = "tts_manifest.json"

type SegmentReport struct {
	Index    int     `json:"index"`
	Speaker  string  `json:"speaker"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Engine   string  `json:"engine"`
	Fallback bool    `json:"fallback"`
	Error    string  `json:"error,omitempty"`
}

type SpeakerReport struct {
	Segments  int            `json:"segments"`
	Engines   map[string]int `json:"engines"`
	Fallbacks int            `json:"fallbacks"`
	Cloned    int            `json:"cloned"`
	RefsUsed  []string       `json:"refs_used"`
}

type Manifest struct {
	Lang          string                    `json:"lang"`
	Clone         bool                      `json:"clone"`
	SampleRate    int                       `json:"sample_rate"`
	DurationS     float64                   `json:"duration_s"`
	Fallback      bool                      `json:"fallback,omitempty"`
	Segments      []SegmentReport           `json:"segments"`
	SpeakerReport map[string]*SpeakerReport `json:"speaker_report"`
}

func newManifest(lang string, clone bool, sampleRate int) *Manifest {
	return &Manifest{
		Lang:          lang,
		Clone:         clone,
		SampleRate:    sampleRate,
		Segments:      make([]SegmentReport, 0),
		SpeakerReport: make(map[string]*SpeakerReport),
	}
}

func (m *Manifest) record(seg stages.Segment, engine string, fallback bool, refs []string, cloned bool, errMsg string) {
	m.Segments = append(m.Segments, SegmentReport{
		Index:    seg.Index,
		Speaker:  seg.Speaker,
		Start:    seg.Start,
		End:      seg.End,
		Engine:   engine,
		Fallback: fallback,
		Error:    errMsg,
	})

	rep, ok := m.SpeakerReport[seg.Speaker]
	if !ok {
		rep = &SpeakerReport{Engines: make(map[string]int), RefsUsed: make([]string, 0)}
		m.SpeakerReport[seg.Speaker] = rep
	}
	rep.Segments++
	rep.Engines[engine]++
	if fallback {
		rep.Fallbacks++
	}
	if cloned {
		rep.Cloned++
		rep.RefsUsed = mergeSorted(rep.RefsUsed, refs)
	}
}

// SilenceManifest reports every segment as a silence fallback, for a dub
// track written without any engine.
func SilenceManifest(segs []stages.Segment, lang string, sampleRate int, durationS float64, cause error) *Manifest {
	m := newManifest(lang, false, sampleRate)
	m.DurationS = durationS
	m.Fallback = true
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	for _, seg := range segs {
		m.record(seg, EngineSilence, true, nil, false, msg)
	}
	return m
}

// ReadManifest loads a manifest written by Chain.Synthesize.
func ReadManifest(path string) (*Manifest, error) {
	var m Manifest
	if err := stages.ReadJSON(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func mergeSorted(have, add []string) []string {
	seen := make(map[string]struct{}, len(have)+len(add))
	for _, v := range have {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		have = append(have, v)
	}
	sort.Strings(have)
	return have
}
