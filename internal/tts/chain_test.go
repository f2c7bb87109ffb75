package tts

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/anidub/internal/breaker"
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 8000

type fakeEngine struct {
	name string
	err  error
	rate int

	mu    sync.Mutex
	calls int
	refs  [][]string
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Synthesize(_ context.Context, seg stages.Segment, _ string, voice Voice, out string) error {
	f.mu.Lock()
	f.calls++
	f.refs = append(f.refs, voice.Refs)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	rate := f.rate
	if rate == 0 {
		rate = testRate
	}
	n := int(seg.Duration() * float64(rate))
	data := make([]int, n)
	for i := range data {
		data[i] = 1000
	}
	return WriteClip(out, Clip{SampleRate: rate, Data: data})
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func wavSeconds(t *testing.T, path string) float64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	return float64(len(buf.Data)) / float64(buf.Format.SampleRate)
}

func testSegments() []stages.Segment {
	return []stages.Segment{
		{Index: 0, Start: 0.0, End: 0.5, Speaker: "char_1", Text: "konnichiwa", Translated: "hello"},
		{Index: 1, Start: 1.0, End: 1.5, Speaker: "char_2", Text: "sayonara", Translated: "bye"},
		{Index: 2, Start: 1.6, End: 1.8, Speaker: "char_2", Text: "  "},
	}
}

func testRequest(t *testing.T, clone bool) stages.SynthesisRequest {
	dir := t.TempDir()
	return stages.SynthesisRequest{
		Segments:    testSegments(),
		Lang:        "en",
		WavOut:      filepath.Join(dir, "out", "ep.dub.wav"),
		ManifestOut: filepath.Join(dir, "out", ManifestName),
		WorkDir:     filepath.Join(dir, "work"),
		DurationS:   2.0,
		Refs:        map[string][]string{"char_1": {"/refs/b.wav", "/refs/a.wav"}},
		Clone:       clone,
	}
}

func TestChain_CloneUsedWhenRefsAvailable(t *testing.T) {
	clone := &fakeEngine{name: "clone"}
	preset := &fakeEngine{name: "preset"}
	chain := NewChain(clone, []Engine{preset}, nil, WithSampleRate(testRate), WithRetry(1, 0))

	req := testRequest(t, true)
	var progress []int
	req.Progress = func(done, total int) {
		assert.Equal(t, 3, total)
		progress = append(progress, done)
	}
	require.NoError(t, chain.Synthesize(context.Background(), req))

	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, 1, clone.callCount())
	assert.Equal(t, 1, preset.callCount())
	assert.InDelta(t, 2.0, wavSeconds(t, req.WavOut), 0.01)

	m, err := ReadManifest(req.ManifestOut)
	require.NoError(t, err)
	assert.True(t, m.Clone)
	require.Contains(t, m.SpeakerReport, "char_1")
	assert.Equal(t, []string{"/refs/a.wav", "/refs/b.wav"}, m.SpeakerReport["char_1"].RefsUsed)
	assert.Equal(t, 1, m.SpeakerReport["char_1"].Cloned)
	require.Contains(t, m.SpeakerReport, "char_2")
	assert.Empty(t, m.SpeakerReport["char_2"].RefsUsed)
	assert.Equal(t, 1, m.SpeakerReport["char_2"].Engines["preset"])
	assert.Equal(t, 1, m.SpeakerReport["char_2"].Engines[EngineSilence])
}

func TestChain_CloneDisabledSkipsCloneEngine(t *testing.T) {
	clone := &fakeEngine{name: "clone"}
	preset := &fakeEngine{name: "preset"}
	chain := NewChain(clone, []Engine{preset}, nil, WithSampleRate(testRate), WithRetry(1, 0))

	req := testRequest(t, false)
	require.NoError(t, chain.Synthesize(context.Background(), req))

	assert.Zero(t, clone.callCount())
	assert.Equal(t, 2, preset.callCount())
	m, err := ReadManifest(req.ManifestOut)
	require.NoError(t, err)
	assert.Empty(t, m.SpeakerReport["char_1"].RefsUsed)
	assert.Zero(t, m.SpeakerReport["char_1"].Fallbacks)
}

func TestChain_FallsThroughFailingEngines(t *testing.T) {
	boom := errors.New("engine down")
	clone := &fakeEngine{name: "clone", err: boom}
	preset := &fakeEngine{name: "preset", err: boom}
	wrongRate := &fakeEngine{name: "basic", rate: 16000}
	espeak := &fakeEngine{name: "espeak"}
	chain := NewChain(clone, []Engine{preset, wrongRate, espeak}, nil, WithSampleRate(testRate), WithRetry(2, 0))

	req := testRequest(t, true)
	require.NoError(t, chain.Synthesize(context.Background(), req))

	m, err := ReadManifest(req.ManifestOut)
	require.NoError(t, err)
	require.Len(t, m.Segments, 3)
	assert.Equal(t, "espeak", m.Segments[0].Engine)
	assert.True(t, m.Segments[0].Fallback)
	assert.Empty(t, m.SpeakerReport["char_1"].RefsUsed)
	// transient failures are retried; format mismatches are not
	assert.Equal(t, 2, clone.callCount())
	assert.Equal(t, 2, wrongRate.callCount())
}

func TestChain_AllEnginesFailYieldsSilenceOfFullLength(t *testing.T) {
	boom := errors.New("engine down")
	preset := &fakeEngine{name: "preset", err: boom}
	chain := NewChain(nil, []Engine{preset}, breaker.NewRegistry(breaker.Settings{Failures: 1, Cooldown: time.Hour}),
		WithSampleRate(testRate), WithRetry(1, 0))

	req := testRequest(t, false)
	require.NoError(t, chain.Synthesize(context.Background(), req))

	assert.InDelta(t, 2.0, wavSeconds(t, req.WavOut), 0.01)
	// the breaker opened after the first failure
	assert.Equal(t, 1, preset.callCount())
	assert.Equal(t, "open", chain.Breakers().Snapshot()["preset"].State)

	m, err := ReadManifest(req.ManifestOut)
	require.NoError(t, err)
	for _, seg := range m.Segments {
		assert.Equal(t, EngineSilence, seg.Engine)
	}
}

func TestChain_CanceledContext(t *testing.T) {
	chain := NewChain(nil, []Engine{&fakeEngine{name: "preset"}}, nil, WithSampleRate(testRate))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := chain.Synthesize(ctx, testRequest(t, false))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteSilence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.wav")
	require.NoError(t, WriteSilence(path, 1.25, testRate))

	clip, err := ReadClip(path)
	require.NoError(t, err)
	assert.Equal(t, testRate, clip.SampleRate)
	assert.InDelta(t, 1.25, clip.Seconds(), 0.001)
	for _, v := range clip.Data {
		require.Zero(t, v)
	}
}

func writeTestClip(t *testing.T, dir, name string, data []int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, WriteClip(p, Clip{SampleRate: testRate, Data: data}))
	return p
}

func TestWriteTrack_OverlapsClampAcrossWindows(t *testing.T) {
	old := mixWindow
	mixWindow = 2
	t.Cleanup(func() { mixWindow = old })

	dir := t.TempDir()
	loud := writeTestClip(t, dir, "loud.wav", []int{30000, 30000})
	out := filepath.Join(dir, "track.wav")
	parts := []placement{{offset: 2, samples: 2, path: loud}, {offset: 1, samples: 2, path: loud}}

	n, err := writeTrack(out, 5.0/testRate, testRate, parts)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	track, err := ReadClip(out)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 30000, math.MaxInt16, 30000, 0}, track.Data)

	n, err = writeTrack(out, 1.0/testRate, testRate, []placement{{offset: 3, samples: 2, path: loud}})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	grown, err := ReadClip(out)
	require.NoError(t, err)
	assert.Len(t, grown.Data, 5)
}

func TestWriteSilence_LongerThanOneWindow(t *testing.T) {
	old := mixWindow
	mixWindow = 1000
	t.Cleanup(func() { mixWindow = old })

	path := filepath.Join(t.TempDir(), "long.wav")
	require.NoError(t, WriteSilence(path, 2.5, testRate))
	clip, err := ReadClip(path)
	require.NoError(t, err)
	assert.Len(t, clip.Data, int(2.5*testRate))
}
