// Package fs implements the filesystem broker: createFile, openFile,
// deleteFile, fileExists, listFiles, getFileSize, and the user-facing
// picker variants, all confined to a per-plugin sandbox root per spec
// §4.5.1.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// Broker confines every path operation to <rootDir>/<plugin_id>/.
type Broker struct {
	rootDir string
}

func New(rootDir string) *Broker {
	return &Broker{rootDir: rootDir}
}

// PluginRoot returns the sandbox root directory for pluginID, creating it
// if it does not already exist.
func (b *Broker) PluginRoot(pluginID string) (string, error) {
	dir := filepath.Join(b.rootDir, pluginID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", sandboxerr.Wrap(sandboxerr.Internal, "create plugin sandbox root", err)
	}
	return dir, nil
}

// resolve maps a plugin-relative path to an absolute path, rejecting
// absolute inputs and any ".." component per spec §4.5.1.
func (b *Broker) resolve(pluginID, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", sandboxerr.New(sandboxerr.PathEscape, "absolute paths are not permitted")
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." {
			return "", sandboxerr.New(sandboxerr.PathEscape, "path must not contain ..")
		}
	}

	root, err := b.PluginRoot(pluginID)
	if err != nil {
		return "", err
	}

	full := filepath.Join(root, relPath)
	rootWithSep := root + string(os.PathSeparator)
	if full != root && !strings.HasPrefix(full, rootWithSep) {
		return "", sandboxerr.New(sandboxerr.PathEscape, "path escapes the sandbox root")
	}
	return full, nil
}

// CreateFile creates relPath with owner-only permissions, failing if it
// already exists.
func (b *Broker) CreateFile(pluginID, relPath string) error {
	full, err := b.resolve(pluginID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return sandboxerr.Wrap(sandboxerr.Internal, "create parent directory", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return sandboxerr.New(sandboxerr.InvalidArgument, "file already exists")
		}
		return sandboxerr.Wrap(sandboxerr.Internal, "create file", err)
	}
	return f.Close()
}

// Mode mirrors the integer access modes named in spec §4.5.1.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeReadWrite
)

// OpenFile opens relPath under mode and returns the raw *os.File; callers
// (the hardware/securewrapper layer) are responsible for bounding how much
// is read from it and for closing it.
func (b *Broker) OpenFile(pluginID, relPath string, mode Mode) (*os.File, error) {
	full, err := b.resolve(pluginID, relPath)
	if err != nil {
		return nil, err
	}

	var flag int
	switch mode {
	case ModeRead:
		flag = os.O_RDONLY
	case ModeWrite:
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case ModeReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, fmt.Sprintf("unknown mode %d", mode))
	}

	f, err := os.OpenFile(full, flag, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sandboxerr.New(sandboxerr.NotFound, "file does not exist")
		}
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "open file", err)
	}
	return f, nil
}

// DeleteFile removes relPath. Deleting a nonexistent file is not an error.
func (b *Broker) DeleteFile(pluginID, relPath string) error {
	full, err := b.resolve(pluginID, relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return sandboxerr.Wrap(sandboxerr.Internal, "delete file", err)
	}
	return nil
}

// FileExists reports whether relPath names an existing entry (a directory
// counts too); whether it is readable is not checked.
func (b *Broker) FileExists(pluginID, relPath string) (bool, error) {
	full, err := b.resolve(pluginID, relPath)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(full)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, sandboxerr.Wrap(sandboxerr.Internal, "stat file", statErr)
}

// ListFiles lists the immediate entries of relDir.
func (b *Broker) ListFiles(pluginID, relDir string) ([]string, error) {
	full, err := b.resolve(pluginID, relDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sandboxerr.New(sandboxerr.NotFound, "directory does not exist")
		}
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "list directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// GetFileSize returns relPath's size in bytes.
func (b *Broker) GetFileSize(pluginID, relPath string) (int64, error) {
	full, err := b.resolve(pluginID, relPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, sandboxerr.New(sandboxerr.NotFound, "file does not exist")
		}
		return 0, sandboxerr.Wrap(sandboxerr.Internal, "stat file", err)
	}
	return info.Size(), nil
}

// PickerCallback delivers the host UI's asynchronous file-chooser result.
type PickerCallback func(chosenPath string, err error)

// CreateFileViaPicker and OpenFileViaPicker have no chooser UI behind them:
// each calls cb immediately with an Internal "no picker UI configured"
// error and records nothing.
func (b *Broker) CreateFileViaPicker(pluginID string, cb PickerCallback) {
	cb("", sandboxerr.New(sandboxerr.Internal, "no picker UI configured"))
}

func (b *Broker) OpenFileViaPicker(pluginID string, cb PickerCallback) {
	cb("", sandboxerr.New(sandboxerr.Internal, "no picker UI configured"))
}
