package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiImSmiley/socketleyd/internal/rt"
)

func TestSaveAndLoadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r := rt.New("echo", rt.KindServer)
	r.Server = &rt.ServerConfig{Proto: "tcp", BindAddr: ":9000"}
	r.Group = "frontend"

	require.NoError(t, Save(dir, r, true))

	sidecars, err := LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, sidecars, 1)
	sc := sidecars[0]
	assert.Equal(t, "echo", sc.Name)
	assert.Equal(t, "server", sc.Kind)
	assert.True(t, sc.WasRunning)
	require.NotNil(t, sc.Server)
	assert.Equal(t, ":9000", sc.Server.BindAddr)
}

func TestToRuntimeReconstructsKind(t *testing.T) {
	sc := Sidecar{Name: "cache1", Kind: "cache"}
	r := sc.ToRuntime()
	assert.Equal(t, rt.KindCache, r.Kind)
	assert.NotNil(t, r.Metrics)
}

func TestRemoveMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, Remove(dir, "nonexistent"))
}

func TestLoadAllMissingDirReturnsEmpty(t *testing.T) {
	sidecars, err := LoadAll(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, sidecars)
}

func TestLoadAllSkipsUnparseableFiles(t *testing.T) {
	dir := t.TempDir()
	r := rt.New("good", rt.KindClient)
	require.NoError(t, Save(dir, r, false))
	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte("not json"), 0o644))

	sidecars, err := LoadAll(dir)
	require.NoError(t, err)
	assert.Len(t, sidecars, 1, "LoadAll should skip the unparseable file")
}
