package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// Archiver copies finished artifacts into their project's completed directory.
type Archiver struct {
	fs     afero.Fs
	layout Layout
}

// NewArchiver creates an Archiver reading artifacts from layout.Dir.
func NewArchiver(fs afero.Fs, layout Layout) (*Archiver, error) {
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}
	if layout.Dir == "" {
		return nil, errors.New("upload directory is required")
	}
	return &Archiver{fs: fs, layout: layout}, nil
}

// Archive enriches rec's metadata and copies the artifact to <completed>/<id>, returning that
// path. The destination is written under a temporary name and renamed into place, so a failed
// copy never leaves a truncated file at the final path. The originals are never modified.
func (a *Archiver) Archive(ctx context.Context, rec *UploadRecord, project ProjectConfig) (string, error) {
	rec.Enrich()

	dst := filepath.Join(project.CompletedDir, rec.ID)
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrArchiveIO, rec.ID, err)
	}
	if _, err := a.copyFile(a.layout.ArtifactPath(rec.ID), dst, rec.Size); err != nil {
		return "", fmt.Errorf("%w: %s -> %s: %w", ErrArchiveIO, rec.ID, dst, err)
	}
	return dst, nil
}

func (a *Archiver) copyFile(src, dst string, want int64) (int64, error) {
	in, err := a.fs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := afero.TempFile(a.fs, filepath.Dir(dst), "."+filepath.Base(dst)+".partial-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = a.fs.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, in)
	if err != nil {
		return n, fmt.Errorf("copy: %w", err)
	}
	if want > 0 && n != want {
		return n, fmt.Errorf("copied %d bytes, sidecar declares %d", n, want)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close: %w", err)
	}
	if err := a.fs.Chmod(tmpName, 0o644); err != nil {
		return n, fmt.Errorf("chmod: %w", err)
	}
	if err := a.fs.Rename(tmpName, dst); err != nil {
		return n, fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return n, nil
}
