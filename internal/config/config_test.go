package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiImSmiley/socketleyd/internal/logging"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err, "Load of a missing file should not error")
	assert.Equal(t, "info", f.LogLevel)
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"debug","metrics_port":9100}`), 0o644))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", f.LogLevel)
	assert.Equal(t, 9100, f.MetricsPort)
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	_, err := Load(path)
	assert.Error(t, err, "Load should error on malformed JSON")
}

func TestLevelValueMapping(t *testing.T) {
	cases := map[string]logging.LogLevel{
		"debug": logging.LevelDebug,
		"warn":  logging.LevelWarn,
		"error": logging.LevelError,
		"info":  logging.LevelInfo,
		"":      logging.LevelInfo,
		"bogus": logging.LevelInfo,
	}
	for level, want := range cases {
		f := &File{LogLevel: level}
		assert.Equal(t, want, f.LevelValue(), "LevelValue(%q)", level)
	}
}

func TestWatcherDeliversChangeEvents(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan string, 1)
	w, err := NewWatcher(dir, func(path string) {
		select {
		case changed <- path:
		default:
		}
	})
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	target := filepath.Join(dir, "x.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Skip("filesystem watch did not fire within the test window (environment-dependent)")
	}
}
