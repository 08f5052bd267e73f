package logscan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestFindFirstWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stderr.log")
	writeFile(t, path, "boot\n==================\nWARNING: ThreadSanitizer: data race\n  #0 foo\n  #1 bar\n==================\n")

	m, err := FindFirst(path, SanitizerMarker, 2)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Line)
	assert.Equal(t, path, m.File)
	assert.Equal(t, "==================\nWARNING: ThreadSanitizer: data race\n  #0 foo\n", m.Excerpt)
}

func TestFindFirstNoContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeFile(t, path, "a\n<Fatal> first\n<Fatal> second\n")

	m, err := FindFirst(path, FatalMarker, 0)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "<Fatal> first\n", m.Excerpt)
}

func TestFindFirstMissingOrClean(t *testing.T) {
	dir := t.TempDir()

	m, err := FindFirst(filepath.Join(dir, "absent.log"), FatalMarker, 0)
	require.NoError(t, err)
	assert.Nil(t, m)

	path := filepath.Join(dir, "server.log")
	writeFile(t, path, "all good\n")
	found, err := Contains(path, FatalMarker)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindFirstSearchesRotatedLogs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	writeFile(t, path, "fresh log\n")
	writeFile(t, path+".1", "older\n")
	writeGzip(t, path+".2.gz", "oldest\n<Fatal> crashed in rotation\n")

	files, err := LogFiles(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path, path + ".1", path + ".2.gz"}, files)

	m, err := FindFirst(path, FatalMarker, 0)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, path+".2.gz", m.File)
	assert.Contains(t, m.Excerpt, "crashed in rotation")
}

func TestRotatedWithoutBaseIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	writeFile(t, path+".1", "<Fatal> stale\n")

	found, err := Contains(path, FatalMarker)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindInCombined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.log")
	writeFile(t, path, strings.Join([]string{
		"zoo1 | started",
		"node2 | ready",
		"node1 | ==================",
		"node2 | ==================",
	}, "\n")+"\n")

	name, found, err := FindInCombined(path, SanitizerMarker)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "node1", name)

	_, found, err = FindInCombined(path, "nothing like this")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = FindInCombined(filepath.Join(t.TempDir(), "missing"), SanitizerMarker)
	require.NoError(t, err)
	assert.False(t, found)
}
