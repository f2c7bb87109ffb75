package external

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parseArgs = `while [ $# -gt 0 ]; do
  case "$1" in
    --request) req="$2"; shift ;;
    --response) resp="$2"; shift ;;
  esac
  shift
done
`

func writeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tools are unix only")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+parseArgs+body), 0o755))
	return path
}

func TestTool_CallRoundTrip(t *testing.T) {
	// echo the request back as the response to prove both files are wired
	bin := writeTool(t, `cp "$req" "$resp"`+"\n")
	tool := NewTool("echo", bin, 0, watchdog.Options{})

	var got map[string]string
	require.NoError(t, tool.Call(context.Background(), map[string]string{"audio": "/a.wav"}, &got))
	assert.Equal(t, "/a.wav", got["audio"])
}

func TestTool_RetriesTransientFailures(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	bin := writeTool(t, `n=$(cat "`+counter+`" 2>/dev/null || echo 0)
n=$((n+1))
echo $n > "`+counter+`"
if [ $n -lt 3 ]; then exit 75; fi
echo '{"utterances":[{"start":0,"end":1.5,"speaker":"SPEAKER_00"}]}' > "$resp"
`)
	tool := NewTool("diarize", bin, 2, watchdog.Options{})
	tool.RetryDelay = 0

	utts, err := (&Diarizer{tool: tool}).Diarize(context.Background(), stages.DiarizeRequest{Audio: "/a.wav"})
	require.NoError(t, err)
	require.Len(t, utts, 1)
	assert.Equal(t, "SPEAKER_00", utts[0].Speaker)

	raw, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(raw))
}

func TestTool_PermanentFailureIsNotRetried(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	bin := writeTool(t, `echo x >> "`+counter+`"
echo 'model not found' >&2
exit 2
`)
	tool := NewTool("transcribe", bin, 3, watchdog.Options{})
	tool.RetryDelay = 0

	err := (&Transcriber{tool: tool}).Transcribe(context.Background(), stages.TranscribeRequest{Audio: "/a.wav"})
	var exitErr *watchdog.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "model not found")

	raw, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(raw))
}

func TestTool_MissingResponse(t *testing.T) {
	bin := writeTool(t, "exit 0\n")
	tool := NewTool("music_detect", bin, 0, watchdog.Options{})

	_, err := (&MusicDetector{tool: tool}).DetectMusic(context.Background(), "/a.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read response")
}

func TestTranslator_RejectsShortResponse(t *testing.T) {
	bin := writeTool(t, `echo '{"segments":[]}' > "$resp"`+"\n")
	tr := &Translator{tool: NewTool("translate", bin, 0, watchdog.Options{})}

	_, err := tr.Translate(context.Background(), stages.TranslateRequest{
		Segments: []stages.Segment{{Index: 0, Text: "a"}},
		Src:      "ja", Tgt: "en",
	})
	require.Error(t, err)
}

func TestNewTool_EmptyCommand(t *testing.T) {
	assert.Nil(t, NewTool("qa", "   ", 1, watchdog.Options{}))

	tool := NewTool("qa", "python3 -m qa_tool", 1, watchdog.Options{})
	require.NotNil(t, tool)
	assert.Equal(t, []string{"python3", "-m", "qa_tool"}, tool.Command)
	assert.EqualValues(t, 2, tool.Attempts)
}

func TestConfigure(t *testing.T) {
	set := &stages.Set{}
	engines := Configure(set, map[string]string{
		"diarize":    "diarize-tool",
		"tts_clone":  "clone-tool",
		"tts_espeak": "espeak-tool",
		"qa":         "",
	}, 1, watchdog.Options{})

	assert.NotNil(t, set.Diarizer)
	assert.Nil(t, set.Transcriber)
	assert.Nil(t, set.QA)
	require.NotNil(t, engines.Clone)
	assert.Equal(t, ToolTTSClone, engines.Clone.Name())
	require.Len(t, engines.Fallbacks, 1)
	assert.Equal(t, ToolTTSEspeak, engines.Fallbacks[0].Name())
}
