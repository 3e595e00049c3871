package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverResolve(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeUpload(t, fsys, "u1", map[string]any{"project": "hpdrones", "app": "a", "model": "m"}, []byte("hello"))

	r, err := NewResolver(fsys, Layout{Dir: testUploadDir})
	require.NoError(t, err)

	rec, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)
	assert.Equal(t, int64(5), rec.Size)
	assert.Equal(t, "2024-03-01T10:00:00.000Z", rec.CreationDate)
	assert.True(t, rec.Metadata.HasProject())
	assert.Equal(t, "hpdrones", rec.Metadata.Project)
	assert.Equal(t, "a", rec.Metadata.App)
	assert.Equal(t, "m", rec.Metadata.Model)
}

func TestResolverErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(testUploadDir, 0o755))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(testUploadDir, "bad.json"), []byte("{not json"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(testUploadDir, "other.json"), []byte(`{"id":"someone-else"}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(testUploadDir, "typed.json"), []byte(`{"metadata":{"project":true}}`), 0o644))

	r, err := NewResolver(fsys, Layout{Dir: testUploadDir})
	require.NoError(t, err)

	tests := []struct {
		id      string
		want    error
		notExit bool
	}{
		{id: "missing", want: ErrMetadataUnavailable, notExit: true},
		{id: "bad", want: ErrMetadataMalformed},
		{id: "other", want: ErrMetadataMalformed},
		{id: "typed", want: ErrMetadataMalformed},
		{id: "../escape", want: ErrMetadataMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.notExit, errors.Is(err, fs.ErrNotExist))
		})
	}
}
