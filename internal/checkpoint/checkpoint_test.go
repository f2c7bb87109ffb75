package checkpoint

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	return p
}

func TestReadMissingIsNil(t *testing.T) {
	doc, err := Read(filepath.Join(t.TempDir(), "x.checkpoint.json"))
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.False(t, doc.StageIsDone("audio"))
	assert.False(t, doc.Hit("audio", nil))
}

func TestWriteThenHit(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "ep01")
	wav := writeArtifact(t, dir, "ep01.wav")

	require.NoError(t, Write(path, "job-1", "audio", map[string]string{"wav": wav}, map[string]any{"rate": 16000}))

	doc, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "job-1", doc.JobID)
	assert.True(t, doc.StageIsDone("audio"))
	assert.True(t, doc.Hit("audio", nil))
	assert.True(t, doc.Hit("audio", map[string]any{"rate": 16000}))
	assert.False(t, doc.Hit("audio", map[string]any{"rate": 48000}))
	assert.False(t, doc.Hit("diarize", nil))
}

func TestHitRequiresArtifacts(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "ep01")
	wav := writeArtifact(t, dir, "ep01.wav")
	require.NoError(t, Write(path, "job-1", "audio", map[string]string{"wav": wav}, nil))
	require.NoError(t, os.Remove(wav))

	doc, err := Read(path)
	require.NoError(t, err)
	assert.True(t, doc.StageIsDone("audio"))
	assert.False(t, doc.Hit("audio", nil))
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "ep01")
	for _, stage := range []string{"tts", "mix", "audio"} {
		require.NoError(t, Write(path, "job-1", stage, nil, nil))
	}
	require.NoError(t, Invalidate(path, "tts", "mix"))

	doc, err := Read(path)
	require.NoError(t, err)
	assert.False(t, doc.StageIsDone("tts"))
	assert.False(t, doc.StageIsDone("mix"))
	assert.True(t, doc.StageIsDone("audio"))
}

func TestBindDropsStagesOfOtherSource(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "ep01")
	audio := writeArtifact(t, dir, "ep01.wav")

	prev, err := Bind(path, "job-1", "src-a")
	require.NoError(t, err)
	assert.Empty(t, prev)
	require.NoError(t, Write(path, "job-1", "audio", map[string]string{"audio": audio}, nil))

	prev, err = Bind(path, "job-1", "src-a")
	require.NoError(t, err)
	assert.Equal(t, "src-a", prev)
	doc, err := Read(path)
	require.NoError(t, err)
	assert.True(t, doc.Hit("audio", nil))

	prev, err = Bind(path, "job-2", "src-b")
	require.NoError(t, err)
	assert.Equal(t, "src-a", prev)
	doc, err = Read(path)
	require.NoError(t, err)
	assert.Equal(t, "src-b", doc.Source)
	assert.Equal(t, "job-2", doc.JobID)
	assert.False(t, doc.StageIsDone("audio"))
}

func TestConcurrentWritesKeepAllStages(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "ep01")
	stages := []string{"audio", "diarize", "transcribe", "translate", "tts", "mix"}

	var wg sync.WaitGroup
	for _, s := range stages {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			assert.NoError(t, Write(path, "job-1", stage, nil, nil))
		}(s)
	}
	wg.Wait()

	doc, err := Read(path)
	require.NoError(t, err)
	for _, s := range stages {
		assert.True(t, doc.StageIsDone(s), s)
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := Fingerprint(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	empty, err := Fingerprint(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
