package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ProjectSpec names a project and whether archived uploads for it are announced to the backend.
type ProjectSpec struct {
	Name   string
	Notify bool
}

// ProjectConfig is the resolved, immutable configuration of one project.
type ProjectConfig struct {
	Name         string
	CompletedDir string
	Notify       bool
}

// Route is the routing decision for one upload.
type Route struct {
	Project ProjectConfig
	App     string
	Model   string
}

// ProjectSet maps project names to their archive locations. It is built once and only read
// afterwards, so it is safe to share between goroutines.
type ProjectSet struct {
	baseDir  string
	projects map[string]ProjectConfig
}

// NewProjectSet places every project under <baseDir>/<name>/completed.
func NewProjectSet(baseDir string, specs []ProjectSpec) (*ProjectSet, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one project is required")
	}

	projects := make(map[string]ProjectConfig, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, errors.New("project name must not be empty")
		}
		if err := ValidateID(name); err != nil {
			return nil, fmt.Errorf("project %q: %w", name, err)
		}
		if _, dup := projects[name]; dup {
			return nil, fmt.Errorf("project %q configured twice", name)
		}
		projects[name] = ProjectConfig{
			Name:         name,
			CompletedDir: filepath.Join(baseDir, name, "completed"),
			Notify:       spec.Notify,
		}
	}

	return &ProjectSet{baseDir: baseDir, projects: projects}, nil
}

// Lookup returns the project with exactly this name.
func (s *ProjectSet) Lookup(name string) (ProjectConfig, bool) {
	p, ok := s.projects[name]
	return p, ok
}

// All returns the projects sorted by name.
func (s *ProjectSet) All() []ProjectConfig {
	out := make([]ProjectConfig, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyNotify reports whether at least one project has notifications enabled.
func (s *ProjectSet) AnyNotify() bool {
	for _, p := range s.projects {
		if p.Notify {
			return true
		}
	}
	return false
}

// Provision creates the base directory and every completed directory.
func (s *ProjectSet) Provision(fs afero.Fs) error {
	if err := fs.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.baseDir, err)
	}
	for _, p := range s.All() {
		if err := fs.MkdirAll(p.CompletedDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p.CompletedDir, err)
		}
	}
	return nil
}

// Route selects the project for md. A missing project key yields ErrNoProjectDesignated and
// an unconfigured one ErrUnknownProject; neither is a processing failure.
func (s *ProjectSet) Route(md Metadata) (Route, error) {
	if !md.HasProject() {
		return Route{}, ErrNoProjectDesignated
	}
	p, ok := s.Lookup(md.Project)
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownProject, md.Project)
	}
	return Route{Project: p, App: md.App, Model: md.Model}, nil
}
