package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/internal/persistence"
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/subtitle"
	"github.com/MimeLyc/anidub/internal/tts"
	"github.com/stretchr/testify/require"
)

const testRate = 8000

// fakeTools implements every stage collaborator and records invocations.
type fakeTools struct {
	mu       sync.Mutex
	calls    []string
	errs     map[string]error
	blocking map[string]bool

	lang     string
	segs     []stages.Segment
	utts     []stages.Utterance
	findings []stages.Finding

	transcribeReq stages.TranscribeRequest
	translateReq  stages.TranslateRequest
	synthReq      stages.SynthesisRequest
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		errs:     make(map[string]error),
		blocking: make(map[string]bool),
		lang:     "ja",
		segs: []stages.Segment{
			{Index: 0, Start: 0.0, End: 1.0, Text: "おはようございます"},
			{Index: 1, Start: 1.2, End: 2.4, Text: "今日はいい天気ですね"},
			{Index: 2, Start: 2.5, End: 3.0, Text: "そうですね"},
		},
		utts: []stages.Utterance{
			{Start: 0.0, End: 1.1, Speaker: "SPEAKER_00"},
			{Start: 1.1, End: 2.45, Speaker: "SPEAKER_01"},
			{Start: 2.45, End: 3.1, Speaker: "SPEAKER_00"},
		},
	}
}

// enter records a call, blocks when configured, and returns the configured error.
func (f *fakeTools) enter(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err := f.errs[name]
	block := f.blocking[name]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeTools) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeTools) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTools) setErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, name)
		return
	}
	f.errs[name] = err
}

func (f *fakeTools) Probe(context.Context, string) (stages.MediaInfo, error) {
	return stages.MediaInfo{DurationS: 4.0, AudioLanguages: []string{"ja"}}, nil
}

func (f *fakeTools) ExtractAudio(ctx context.Context, _ string, wavOut string) error {
	if err := f.enter(ctx, "audio"); err != nil {
		return err
	}
	return tts.WriteSilence(wavOut, 4.0, testRate)
}

func (f *fakeTools) Diarize(ctx context.Context, _ stages.DiarizeRequest) ([]stages.Utterance, error) {
	if err := f.enter(ctx, "diarize"); err != nil {
		return nil, err
	}
	return append([]stages.Utterance(nil), f.utts...), nil
}

func (f *fakeTools) Transcribe(ctx context.Context, req stages.TranscribeRequest) error {
	f.mu.Lock()
	f.transcribeReq = req
	f.mu.Unlock()
	if err := f.enter(ctx, "transcribe"); err != nil {
		return err
	}
	if err := subtitle.NewWriter().Write(req.SRTOut, stages.SRTFromSegments(f.segs, f.lang)); err != nil {
		return err
	}
	return stages.WriteJSON(req.JSONOut, stages.Transcript{Language: f.lang, Segments: f.segs})
}

func (f *fakeTools) Translate(ctx context.Context, req stages.TranslateRequest) ([]stages.Segment, error) {
	f.mu.Lock()
	f.translateReq = req
	f.mu.Unlock()
	if err := f.enter(ctx, "translate"); err != nil {
		return nil, err
	}
	out := make([]stages.Segment, len(req.Segments))
	for i, s := range req.Segments {
		s.Translated = "EN " + s.Text
		out[i] = s
	}
	return out, nil
}

func (f *fakeTools) Synthesize(ctx context.Context, req stages.SynthesisRequest) error {
	f.mu.Lock()
	f.synthReq = req
	f.mu.Unlock()
	if err := f.enter(ctx, "tts"); err != nil {
		return err
	}
	for i := range req.Segments {
		req.Progress(i+1, len(req.Segments))
	}
	if err := tts.WriteSilence(req.WavOut, req.DurationS, testRate); err != nil {
		return err
	}
	return stages.WriteJSON(req.ManifestOut, map[string]any{"lang": req.Lang, "clone": req.Clone})
}

func (f *fakeTools) Mux(ctx context.Context, req stages.MixRequest) error {
	if err := f.enter(ctx, "mux"); err != nil {
		return err
	}
	return os.WriteFile(req.Out, []byte("mkv"), 0o644)
}

func (f *fakeTools) ExtractRefs(ctx context.Context, req stages.VoiceRefRequest) (map[string][]string, error) {
	if err := f.enter(ctx, "voice_refs"); err != nil {
		return nil, err
	}
	refs := make(map[string][]string)
	for _, spk := range stages.Speakers(req.Utterances) {
		p := filepath.Join(req.OutDir, spk+".wav")
		if err := tts.WriteSilence(p, 0.5, testRate); err != nil {
			return nil, err
		}
		refs[spk] = []string{p}
	}
	return refs, nil
}

func (f *fakeTools) Check(ctx context.Context, _ stages.QARequest) ([]stages.Finding, error) {
	if err := f.enter(ctx, "qa"); err != nil {
		return nil, err
	}
	return f.findings, nil
}

func (f *fakeTools) set() stages.Set {
	return stages.Set{
		Prober:      f,
		Audio:       f,
		Diarizer:    f,
		Transcriber: f,
		Translator:  f,
		Synthesizer: f,
		Muxer:       f,
		QA:          f,
	}
}

// fakeEngine is a tts.Engine writing constant clips at testRate.
type fakeEngine struct {
	name string
	mu   sync.Mutex
	refs [][]string
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Synthesize(_ context.Context, seg stages.Segment, _ string, voice tts.Voice, out string) error {
	e.mu.Lock()
	e.refs = append(e.refs, voice.Refs)
	e.mu.Unlock()
	data := make([]int, int(seg.Duration()*testRate))
	for i := range data {
		data[i] = 500
	}
	return tts.WriteClip(out, tts.Clip{SampleRate: testRate, Data: data})
}

func (e *fakeEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.refs)
}

// recordingStore remembers every progress value written through Update.
type recordingStore struct {
	jobs.Store
	mu       sync.Mutex
	progress []float64
}

func (s *recordingStore) Update(ctx context.Context, id string, mutate func(*jobs.Job)) (*jobs.Job, error) {
	job, err := s.Store.Update(ctx, id, mutate)
	if job != nil {
		s.mu.Lock()
		s.progress = append(s.progress, job.Progress)
		s.mu.Unlock()
	}
	return job, err
}

func (s *recordingStore) values() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.progress...)
}

type harness struct {
	t      *testing.T
	dir    string
	store  *persistence.SQLiteStore
	tools  *fakeTools
	layout jobs.Layout
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.NewSQLiteStore(filepath.Join(dir, "anidub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{
		t:     t,
		dir:   dir,
		store: store,
		tools: newFakeTools(),
		layout: jobs.Layout{
			OutputRoot: filepath.Join(dir, "out"),
			WorkRoot:   filepath.Join(dir, "work"),
			LogRoot:    filepath.Join(dir, "logs"),
		},
	}
}

func testSettings() Settings {
	return Settings{
		DefaultSrcLang: "ja",
		DefaultTgtLang: "en",
		TwoPassOnHigh:  true,
		WatchdogPoll:   20 * time.Millisecond,
		ReapGrace:      time.Second,
		SampleRate:     testRate,
	}
}

func (h *harness) orchestrator(settings Settings, set stages.Set) *Orchestrator {
	return NewOrchestrator(settings, Deps{Store: h.store, Catalog: h.store, Stages: set})
}

// newJob stores a RUNNING job the way the queue hands it to the executor.
func (h *harness) newJob(mutate func(*jobs.Job)) *jobs.Job {
	h.t.Helper()
	now := time.Now()
	job := &jobs.Job{
		ID:         "job-1",
		OwnerID:    "owner-1",
		VideoPath:  filepath.Join(h.dir, "show-01.mkv"),
		Mode:       jobs.ModeMedium,
		SrcLang:    "ja",
		TgtLang:    "en",
		SeriesSlug: "show",
		State:      jobs.StateRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(h.t, h.layout.Apply(job))
	require.NoError(h.t, h.store.Put(context.Background(), job))
	return job
}

func (h *harness) job(id string) *jobs.Job {
	h.t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return job
}

func (h *harness) logs(id string) []string {
	h.t.Helper()
	lines, err := h.store.TailLog(context.Background(), id, 1000)
	require.NoError(h.t, err)
	return lines
}

func writeSRT(path string, segs []stages.Segment) error {
	return subtitle.NewWriter().Write(path, stages.SRTFromSegments(segs, "ja"))
}
