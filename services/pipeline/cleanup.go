package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"
)

// Cleaner removes the transient artifact and sidecar once an upload has been archived.
type Cleaner struct {
	fs     afero.Fs
	layout Layout
}

// NewCleaner creates a Cleaner for files under layout.Dir.
func NewCleaner(fsys afero.Fs, layout Layout) (*Cleaner, error) {
	if fsys == nil {
		return nil, errors.New("filesystem is required")
	}
	if layout.Dir == "" {
		return nil, errors.New("upload directory is required")
	}
	return &Cleaner{fs: fsys, layout: layout}, nil
}

// Cleanup deletes the artifact and then the sidecar. Both removals are always attempted and a
// file that is already gone counts as removed, so repeated calls are harmless.
func (c *Cleaner) Cleanup(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("%w: %w", ErrCleanup, err)
	}

	var errs []error
	for _, path := range []string{c.layout.ArtifactPath(id), c.layout.SidecarPath(id)} {
		if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrCleanup, errors.Join(errs...))
	}
	return nil
}
