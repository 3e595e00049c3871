package api

import (
	"github.com/spf13/afero"

	"qtus/services/pipeline"
)

func newProjects(fsys afero.Fs) (*pipeline.ProjectSet, error) {
	projects, err := pipeline.NewProjectSet("/srv/qtus/files", []pipeline.ProjectSpec{{Name: "hpdrones"}})
	if err != nil {
		return nil, err
	}
	return projects, projects.Provision(fsys)
}
