package pipeline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectSetRoute(t *testing.T) {
	set, err := NewProjectSet(testBase, []ProjectSpec{
		{Name: "hpdrones", Notify: true},
		{Name: "qimob"},
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		metadata string
		wantErr  error
		project  string
		notify   bool
	}{
		{name: "matched with notify", metadata: `{"project":"hpdrones","app":"a","model":"m"}`, project: "hpdrones", notify: true},
		{name: "matched without notify", metadata: `{"project":"qimob"}`, project: "qimob"},
		{name: "no project key", metadata: `{"app":"a"}`, wantErr: ErrNoProjectDesignated},
		{name: "unknown project", metadata: `{"project":"tus-server"}`, wantErr: ErrUnknownProject},
		{name: "match is exact", metadata: `{"project":"HPDrones"}`, wantErr: ErrUnknownProject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var md Metadata
			require.NoError(t, json.Unmarshal([]byte(tt.metadata), &md))

			route, err := set.Route(md)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.project, route.Project.Name)
			assert.Equal(t, tt.notify, route.Project.Notify)
			assert.Equal(t, testBase+"/"+tt.project+"/completed", route.Project.CompletedDir)
		})
	}
}

func TestNewProjectSetValidation(t *testing.T) {
	_, err := NewProjectSet(testBase, nil)
	assert.Error(t, err)

	_, err = NewProjectSet(testBase, []ProjectSpec{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)

	_, err = NewProjectSet(testBase, []ProjectSpec{{Name: "../x"}})
	assert.Error(t, err)

	_, err = NewProjectSet("", []ProjectSpec{{Name: "a"}})
	assert.Error(t, err)
}

func TestProjectSetProvision(t *testing.T) {
	fsys := afero.NewMemMapFs()
	set := newTestProjects(t, fsys, ProjectSpec{Name: "hpdrones"}, ProjectSpec{Name: "qimob", Notify: true})

	for _, p := range set.All() {
		info, err := fsys.Stat(p.CompletedDir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.True(t, set.AnyNotify())
	assert.Equal(t, []string{"hpdrones", "qimob"}, []string{set.All()[0].Name, set.All()[1].Name})
}
