package modelstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("stub"), 0o644))
}

func TestAvailableListsOnnxArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "inswapper_128.onnx")
	writeArtifact(t, dir, "simswap_512.onnx")
	writeArtifact(t, dir, "readme.txt") // ignored

	s, err := New(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"inswapper_128", "simswap_512"}, s.Available())
}

func TestPathResolvesName(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "inswapper_128.onnx")

	s, err := New(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	path, err := s.Path("inswapper_128")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "inswapper_128.onnx"), path)
}

func TestMissingModelIsLoadError(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Path("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelLoad))

	_, err = s.Load("nope", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelLoad))
}

func TestMissingDirectoryIsLoadError(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelLoad))
}

func TestWatcherPicksUpNewArtifacts(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Empty(t, s.Available())

	writeArtifact(t, dir, "fresh.onnx")

	assert.Eventually(t, func() bool {
		names := s.Available()
		return len(names) == 1 && names[0] == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
}
