package glossary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilename(t *testing.T) {
	assert.Equal(t, "term_map.ja-en.json", Filename("ja", "en"))
	assert.Equal(t, "term_map.ja-zh.json", Filename("ja-JP", "zh-Hans"))
	assert.Equal(t, "term_map.??-en.json", Filename("??", "en"))
}

func TestFind_WalksUp(t *testing.T) {
	root := t.TempDir()
	season := filepath.Join(root, "Show", "Season 01")
	require.NoError(t, os.MkdirAll(season, 0o755))
	want := filepath.Join(root, "Show", Filename("ja", "en"))
	require.NoError(t, Save(want, Terms{"ルフィ": "Luffy"}))

	assert.Equal(t, want, Find(season, "ja", "en"))
	assert.Empty(t, Find(season, "ja", "fr"))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename("ja", "en"))
	require.NoError(t, Save(path, Terms{"ナミ": "Nami", "ゾロ": "Zoro"}))

	terms, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Terms{"ナミ": "Nami", "ゾロ": "Zoro"}, terms)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestMerge_LaterWins(t *testing.T) {
	merged := Merge(
		Terms{"ルフィ": "Ruffy", "ナミ": "Nami"},
		nil,
		Terms{"ルフィ": "Luffy", " ": "x", "ゾロ": ""},
	)
	assert.Equal(t, Terms{"ルフィ": "Luffy", "ナミ": "Nami"}, merged)
}

func TestMatch(t *testing.T) {
	terms := Terms{"ルフィ": "Luffy", "ナミ": "Nami", "Zoro": "Zoro"}
	matched := Match(terms, []string{"ルフィ、行くぞ！", "zoro?"})
	assert.Equal(t, Terms{"ルフィ": "Luffy"}, matched)
	assert.Empty(t, Match(terms, nil))
}
