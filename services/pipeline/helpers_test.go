package pipeline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	testBase      = "/srv/qtus/files"
	testUploadDir = testBase
)

func writeUpload(t *testing.T, fsys afero.Fs, id string, metadata map[string]any, content []byte) {
	t.Helper()

	sidecar := map[string]any{
		"id":            id,
		"size":          len(content),
		"offset":        len(content),
		"creation_date": "2024-03-01T10:00:00.000Z",
		"metadata":      metadata,
	}
	data, err := json.Marshal(sidecar)
	require.NoError(t, err)

	require.NoError(t, fsys.MkdirAll(testUploadDir, 0o755))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(testUploadDir, id), content, 0o644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(testUploadDir, id+".json"), data, 0o644))
}

func readFile(t *testing.T, fsys afero.Fs, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)
	return data
}

func requireMissing(t *testing.T, fsys afero.Fs, path string) {
	t.Helper()
	exists, err := afero.Exists(fsys, path)
	require.NoError(t, err)
	require.False(t, exists, "%s should not exist", path)
}

func requirePresent(t *testing.T, fsys afero.Fs, path string) {
	t.Helper()
	exists, err := afero.Exists(fsys, path)
	require.NoError(t, err)
	require.True(t, exists, "%s should exist", path)
}

func newTestProjects(t *testing.T, fsys afero.Fs, specs ...ProjectSpec) *ProjectSet {
	t.Helper()
	set, err := NewProjectSet(testBase, specs)
	require.NoError(t, err)
	require.NoError(t, set.Provision(fsys))
	return set
}

// faultyFs fails writes to files created inside a directory after limit bytes.
type faultyFs struct {
	afero.Fs
	dir   string
	limit int
}

func (f *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil || !strings.HasPrefix(name, f.dir) || flag&os.O_CREATE == 0 {
		return file, err
	}
	return &faultyFile{File: file, remaining: f.limit}, nil
}

type faultyFile struct {
	afero.File
	remaining int
}

var errDiskFull = errors.New("no space left on device")

func (f *faultyFile) Write(p []byte) (int, error) {
	if len(p) > f.remaining {
		n, _ := f.File.Write(p[:f.remaining])
		f.remaining = 0
		return n, errDiskFull
	}
	f.remaining -= len(p)
	return f.File.Write(p)
}

// gatedFs blocks Rename until release is closed, signalling entered first.
type gatedFs struct {
	afero.Fs
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFs) Rename(oldname, newname string) error {
	close(g.entered)
	<-g.release
	return g.Fs.Rename(oldname, newname)
}

// undeletableFs refuses to remove one path.
type undeletableFs struct {
	afero.Fs
	path string
}

func (u *undeletableFs) Remove(name string) error {
	if name == u.path {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrPermission}
	}
	return u.Fs.Remove(name)
}
