package stages

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MimeLyc/anidub/internal/subtitle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignSpeakers_LargestOverlapWins(t *testing.T) {
	segs := []Segment{
		{Index: 0, Start: 0, End: 2},
		{Index: 1, Start: 2, End: 4},
		{Index: 2, Start: 10, End: 11, Speaker: "kept"},
	}
	utts := []Utterance{
		{Start: 0, End: 0.5, Speaker: "B"},
		{Start: 0.5, End: 2.2, Speaker: "A"},
		{Start: 2.2, End: 4, Speaker: "B"},
	}

	got := AssignSpeakers(segs, utts)
	assert.Equal(t, "A", got[0].Speaker)
	assert.Equal(t, "B", got[1].Speaker)
	assert.Equal(t, "kept", got[2].Speaker)
	assert.Empty(t, segs[0].Speaker, "input must not be modified")
}

func TestAssignSpeakers_TieGoesToFirstLabel(t *testing.T) {
	segs := []Segment{{Start: 0, End: 2}}
	utts := []Utterance{
		{Start: 1, End: 2, Speaker: "Z"},
		{Start: 0, End: 1, Speaker: "A"},
	}
	assert.Equal(t, "A", AssignSpeakers(segs, utts)[0].Speaker)
}

func TestSmoothSpeakers(t *testing.T) {
	segs := []Segment{
		{Start: 0, End: 1, Speaker: "A"},
		{Start: 1, End: 1.5, Speaker: "B"},
		{Start: 1.5, End: 3, Speaker: "A"},
		{Start: 3, End: 6, Speaker: "C"},
		{Start: 6, End: 7, Speaker: "A"},
	}

	got := SmoothSpeakers(segs, 1.0)
	assert.Equal(t, "A", got[1].Speaker)
	assert.Equal(t, "C", got[3].Speaker, "long segments are not relabelled")
	assert.Equal(t, "B", segs[1].Speaker)
}

func TestRemapUtterancesAndSpeakers(t *testing.T) {
	utts := []Utterance{
		{Speaker: "SPEAKER_01"},
		{Speaker: "SPEAKER_00"},
		{Speaker: ""},
		{Speaker: "SPEAKER_01"},
	}
	assert.Equal(t, []string{"SPEAKER_01", "SPEAKER_00"}, Speakers(utts))

	remapped := RemapUtterances(utts, map[string]string{"SPEAKER_01": "char_1", "SPEAKER_00": ""})
	assert.Equal(t, []string{"char_1", "SPEAKER_00"}, Speakers(remapped))
	assert.Equal(t, "SPEAKER_01", utts[0].Speaker)
}

func TestSRTRoundTrip(t *testing.T) {
	segs := []Segment{
		{Start: 0.5, End: 1.25, Text: "こんにちは", Translated: "Hello"},
		{Start: 2, End: 3, Text: "またね"},
	}
	f := SRTFromSegments(segs, "en")
	require.Len(t, f.Lines, 2)
	assert.Equal(t, 1, f.Lines[0].Index)
	assert.Equal(t, 500*time.Millisecond, f.Lines[0].StartTime)
	assert.Equal(t, 1250*time.Millisecond, f.Lines[0].EndTime)

	tr := TranscriptFromSRT(f)
	assert.Equal(t, "en", tr.Language)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, 0, tr.Segments[0].Index)
	assert.InDelta(t, 1.25, tr.Segments[0].End, 1e-9)
	assert.Equal(t, "Hello", tr.Segments[0].Translated)

	assert.Empty(t, TranscriptFromSRT(&subtitle.File{Language: "und"}).Language)
}

func TestJSONHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ep.transcript.json")
	in := Transcript{Language: "ja", Segments: []Segment{{Index: 0, Start: 1, End: 2, Text: "はい"}}}
	require.NoError(t, WriteJSON(path, in))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	var out Transcript
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	assert.ErrorContains(t, ReadJSON(path, &out), "decode")
}
