package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/fsutil"
)

func writeFile(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func TestChecksumIsStableAndContentSensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "hello", 0o644)
	writeFile(t, b, "hellO", 0o644)

	sumA, err := fsutil.Checksum(a)
	require.NoError(t, err)
	again, err := fsutil.Checksum(a)
	require.NoError(t, err)
	sumB, err := fsutil.Checksum(b)
	require.NoError(t, err)

	assert.Len(t, sumA, 64)
	assert.Equal(t, sumA, again)
	assert.NotEqual(t, sumA, sumB)

	_, err = fsutil.Checksum(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestCopyFileKeepsModeAndContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "notes.txt")
	dst := filepath.Join(dir, "dst", "nested", "notes.txt")
	writeFile(t, src, "line one\nline two\n", 0o640)

	n, err := fsutil.CopyFile(src, dst)
	require.NoError(t, err)
	assert.EqualValues(t, 18, n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(got))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	_, err = fsutil.CopyFile(src, dst)
	assert.Error(t, err, "existing destination is never overwritten")
}

func TestCopyFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := fsutil.CopyFile(dir, filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
}

func TestSecurityMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "x", 0o600)
	sec, err := fsutil.SecurityMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "0600", sec.Permissions)
	assert.NotEmpty(t, sec.Owner)
	assert.NotEmpty(t, sec.Group)
}

func TestFileSizeAndFreeSpace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "12345", 0o644)

	fileSize, err := fsutil.FileSize(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), fileSize)
	_, err = fsutil.FileSize(dir)
	assert.Error(t, err)

	free, err := fsutil.FreeSpace(dir)
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
	_, err = fsutil.FreeSpace(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
