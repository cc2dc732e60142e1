package fs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

func TestCreateAndReadBackFile(t *testing.T) {
	b := New(t.TempDir())
	require.NoError(t, b.CreateFile("plugin-a", "notes.txt"))

	exists, err := b.FileExists("plugin-a", "notes.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	f, err := b.OpenFile("plugin-a", "notes.txt", ModeWrite)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	size, err := b.GetFileSize("plugin-a", "notes.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestAbsolutePathRejected(t *testing.T) {
	b := New(t.TempDir())
	err := b.CreateFile("plugin-a", "/etc/passwd")
	require.Error(t, err)
	assert.Equal(t, sandboxerr.PathEscape, sandboxerr.CodeOf(err))
}

func TestDotDotPathRejected(t *testing.T) {
	b := New(t.TempDir())
	err := b.CreateFile("plugin-a", "../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, sandboxerr.PathEscape, sandboxerr.CodeOf(err))
}

func TestDotDotEmbeddedInMiddleRejected(t *testing.T) {
	b := New(t.TempDir())
	err := b.CreateFile("plugin-a", "sub/../../escape.txt")
	require.Error(t, err)
	assert.Equal(t, sandboxerr.PathEscape, sandboxerr.CodeOf(err))
}

func TestPluginsAreIsolatedFromEachOther(t *testing.T) {
	root := t.TempDir()
	b := New(root)
	require.NoError(t, b.CreateFile("plugin-a", "secret.txt"))

	exists, err := b.FileExists("plugin-b", "secret.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteNonexistentFileIsNotAnError(t *testing.T) {
	b := New(t.TempDir())
	require.NoError(t, b.DeleteFile("plugin-a", "missing.txt"))
}

func TestOpenFileMissingReturnsNotFound(t *testing.T) {
	b := New(t.TempDir())
	_, err := b.OpenFile("plugin-a", "missing.txt", ModeRead)
	require.Error(t, err)
	assert.Equal(t, sandboxerr.NotFound, sandboxerr.CodeOf(err))
}

func TestCreateFileAlreadyExistsFails(t *testing.T) {
	b := New(t.TempDir())
	require.NoError(t, b.CreateFile("plugin-a", "dup.txt"))
	err := b.CreateFile("plugin-a", "dup.txt")
	require.Error(t, err)
	assert.Equal(t, sandboxerr.InvalidArgument, sandboxerr.CodeOf(err))
}

func TestListFilesReturnsEntries(t *testing.T) {
	b := New(t.TempDir())
	require.NoError(t, b.CreateFile("plugin-a", "a.txt"))
	require.NoError(t, b.CreateFile("plugin-a", "b.txt"))

	names, err := b.ListFiles("plugin-a", ".")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
}

func TestCreateFileInSubdirectory(t *testing.T) {
	b := New(t.TempDir())
	require.NoError(t, b.CreateFile("plugin-a", "sub/dir/file.txt"))
	exists, err := b.FileExists("plugin-a", "sub/dir/file.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPluginRootCreatesDirectoryWithOwnerOnlyPermissions(t *testing.T) {
	root := t.TempDir()
	b := New(root)
	dir, err := b.PluginRoot("plugin-a")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
