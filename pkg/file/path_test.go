package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceExt(t *testing.T) {
	assert.Equal(t, filepath.Join("a", "ep01.srt"), ReplaceExt(filepath.Join("a", "ep01.mkv"), "srt"))
	assert.Equal(t, filepath.Join("a", "ep01.srt"), ReplaceExt(filepath.Join("a", "ep01"), ".srt"))
	assert.Equal(t, "", ReplaceExt("", ".srt"))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "Show - 01", Stem("/media/Show - 01.mkv"))
	assert.Equal(t, "noext", Stem("/media/noext"))
	assert.Equal(t, ".hidden", Stem("/media/.hidden"))
}

func TestExistsAndAllExist(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "full.wav")
	empty := filepath.Join(dir, "empty.wav")
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	assert.True(t, Exists(full))
	assert.False(t, Exists(empty))
	assert.False(t, Exists(filepath.Join(dir, "missing")))
	assert.True(t, Exists(dir))

	assert.True(t, AllExist(full, dir))
	assert.False(t, AllExist(full, empty))
	assert.False(t, AllExist())
}

func TestTreeSizeAndFindOlderThan(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b"), make([]byte, 5), 0o644))

	size, err := TreeSize(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 15, size)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(sub, old, old))

	found, err := FindOlderThan(dir, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{sub}, found)

	found, err = FindOlderThan(filepath.Join(dir, "missing"), time.Now())
	require.NoError(t, err)
	assert.Empty(t, found)
}
