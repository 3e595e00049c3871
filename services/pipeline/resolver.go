package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// Resolver loads the sidecar for a finished upload.
type Resolver struct {
	fs     afero.Fs
	layout Layout
}

// NewResolver creates a Resolver reading sidecars from layout.Dir.
func NewResolver(fs afero.Fs, layout Layout) (*Resolver, error) {
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}
	if layout.Dir == "" {
		return nil, errors.New("upload directory is required")
	}
	return &Resolver{fs: fs, layout: layout}, nil
}

// Resolve reads and decodes <dir>/<id>.json. It never looks at the artifact itself.
func (r *Resolver) Resolve(ctx context.Context, id string) (UploadRecord, error) {
	if err := ValidateID(id); err != nil {
		return UploadRecord{}, fmt.Errorf("%w: %w", ErrMetadataMalformed, err)
	}
	if err := ctx.Err(); err != nil {
		return UploadRecord{}, fmt.Errorf("%w: %w", ErrMetadataUnavailable, err)
	}

	path := r.layout.SidecarPath(id)
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return UploadRecord{}, fmt.Errorf("%w: read %s: %w", ErrMetadataUnavailable, path, err)
	}

	var rec UploadRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return UploadRecord{}, fmt.Errorf("%w: decode %s: %w", ErrMetadataMalformed, path, err)
	}
	switch {
	case rec.ID == "":
		rec.ID = id
	case rec.ID != id:
		return UploadRecord{}, fmt.Errorf("%w: sidecar %s names upload %q", ErrMetadataMalformed, path, rec.ID)
	}

	return rec, nil
}
