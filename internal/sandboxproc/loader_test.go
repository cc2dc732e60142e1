package sandboxproc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/sandboxcore/internal/bundle"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

func testBundle(t *testing.T, entryPoint string) *bundle.Bundle {
	t.Helper()
	dir := t.TempDir()
	if entryPoint != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, entryPoint), []byte("function main() end"), 0o600))
	}
	return &bundle.Bundle{
		RootDir: dir,
		Manifest: bundle.Manifest{
			EntryPoints: entryPointSlice(entryPoint),
		},
	}
}

func entryPointSlice(ep string) []string {
	if ep == "" {
		return nil
	}
	return []string{ep}
}

func TestLoadEntryPointReadsDeclaredFile(t *testing.T) {
	b := testBundle(t, "main.lua")
	loader := NewPluginLoader(nil)

	data, err := loader.LoadEntryPoint(b)
	require.NoError(t, err)
	assert.Contains(t, string(data), "function main")
}

func TestLoadEntryPointFailsWithNoEntryPoints(t *testing.T) {
	b := testBundle(t, "")
	loader := NewPluginLoader(nil)

	_, err := loader.LoadEntryPoint(b)
	require.Error(t, err)
	assert.Equal(t, sandboxerr.InvalidArgument, sandboxerr.CodeOf(err))
}

func TestLoadEntryPointMissingFileReturnsNotFound(t *testing.T) {
	b := testBundle(t, "")
	b.Manifest.EntryPoints = []string{"missing.lua"}
	loader := NewPluginLoader(nil)

	_, err := loader.LoadEntryPoint(b)
	require.Error(t, err)
	assert.Equal(t, sandboxerr.NotFound, sandboxerr.CodeOf(err))
}

func TestWatchBundleReportsFlowFileChanges(t *testing.T) {
	b := testBundle(t, "main.lua")
	flowsDir := filepath.Join(b.RootDir, "flows")
	require.NoError(t, os.MkdirAll(flowsDir, 0o700))

	changed := make(chan string, 1)
	watcher, err := WatchBundle(b, nil, func(path string) {
		select {
		case changed <- path:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(flowsDir, "flow.json"), []byte("{}"), 0o600))

	select {
	case path := <-changed:
		assert.Contains(t, path, "flow.json")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flow file change notification")
	}
}
