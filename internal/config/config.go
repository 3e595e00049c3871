// Package config loads the qtus runtime configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that must stop the process at start.
var ErrInvalid = errors.New("invalid configuration")

const (
	// FileStore is the only supported DATA_STORE backend.
	FileStore = "FileStore"

	preferredGatewayProject = "hpdrones"
)

// Config holds runtime configuration for the qtus service.
type Config struct {
	Projects        string `env:"PROJECTS"`
	HasNotification string `env:"HAS_NOTIFICATION"`
	ProjectsFile    string `env:"PROJECTS_FILE"`

	Directory      string `env:"DIRECTORY"`
	DataStore      string `env:"DATA_STORE,default=FileStore"`
	Addr           string `env:"ADDR,default=0.0.0.0:1080"`
	PublicBaseURL  string `env:"PUBLIC_BASE_URL,default=http://0.0.0.0:1080"`
	GatewayProject string `env:"GATEWAY_PROJECT"`

	Backend       Backend       `env:",prefix=BACKEND_"`
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT,default=10s"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT,default=qtus.uploads.finished"`
	DBDSN       string `env:"DB_DSN"`
	S3          S3     `env:",prefix=S3_"`

	OTLPEndpoint      string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins    []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	DownloadRateLimit int      `env:"DOWNLOAD_RATE_LIMIT,default=120"`
	LogLevel          string   `env:"LOG_LEVEL,default=info"`
	LogFormat         string   `env:"LOG_FORMAT,default=json"`

	projects []Project
}

// Backend holds the notification backend endpoints and credentials.
type Backend struct {
	AuthURL         string `env:"AUTH_URL"`
	NotificationURL string `env:"NOTIFICATION_URL"`
	Email           string `env:"EMAIL"`
	Password        string `env:"PASS"`
}

// S3 configures the optional offsite replica. An empty Bucket disables it.
type S3 struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	Bucket         string `env:"BUCKET"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=true"`
}

// Project is one configured project after PROJECTS, HAS_NOTIFICATION and PROJECTS_FILE are merged.
type Project struct {
	Name   string `yaml:"name"`
	Notify bool   `yaml:"notify"`
}

type projectsFile struct {
	Projects []Project `yaml:"projects"`
}

// Load returns a validated Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit variable source.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ProjectList returns the merged projects in configuration order.
func (c Config) ProjectList() []Project {
	return slices.Clone(c.projects)
}

// AnyNotify reports whether at least one project has notifications enabled.
func (c Config) AnyNotify() bool {
	return slices.ContainsFunc(c.projects, func(p Project) bool { return p.Notify })
}

func (c *Config) resolve() error {
	if c.DataStore != FileStore {
		return invalid("DATA_STORE %q is not supported, only %s", c.DataStore, FileStore)
	}

	if strings.TrimSpace(c.Directory) == "" {
		return invalid("DIRECTORY is required")
	}
	dir, err := filepath.Abs(c.Directory)
	if err != nil {
		return invalid("DIRECTORY %q: %v", c.Directory, err)
	}
	c.Directory = dir

	projects, err := mergeProjects(SplitList(c.Projects), SplitList(c.HasNotification))
	if err != nil {
		return err
	}
	if c.ProjectsFile != "" {
		fromFile, err := readProjectsFile(c.ProjectsFile)
		if err != nil {
			return err
		}
		projects = appendProjects(projects, fromFile)
	}
	if len(projects) == 0 {
		return invalid("PROJECTS must name at least one project")
	}
	c.projects = projects

	if c.GatewayProject == "" {
		c.GatewayProject = projects[0].Name
		if c.hasProject(preferredGatewayProject) {
			c.GatewayProject = preferredGatewayProject
		}
	} else if !c.hasProject(c.GatewayProject) {
		return invalid("GATEWAY_PROJECT %q is not in PROJECTS", c.GatewayProject)
	}

	if c.AnyNotify() {
		missing := []string{}
		if c.Backend.AuthURL == "" {
			missing = append(missing, "BACKEND_AUTH_URL")
		}
		if c.Backend.NotificationURL == "" {
			missing = append(missing, "BACKEND_NOTIFICATION_URL")
		}
		if c.Backend.Email == "" {
			missing = append(missing, "BACKEND_EMAIL")
		}
		if c.Backend.Password == "" {
			missing = append(missing, "BACKEND_PASS")
		}
		if len(missing) > 0 {
			return invalid("notifications are enabled but %s not set", strings.Join(missing, ", "))
		}
	}

	if c.NotifyTimeout <= 0 {
		return invalid("NOTIFY_TIMEOUT must be positive")
	}
	if c.DownloadRateLimit < 0 {
		return invalid("DOWNLOAD_RATE_LIMIT must not be negative")
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return nil
}

func (c Config) hasProject(name string) bool {
	return slices.ContainsFunc(c.projects, func(p Project) bool { return p.Name == name })
}

// SplitList splits a "|"-separated value, trimming entries and dropping empty ones.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mergeProjects(names, notify []string) ([]Project, error) {
	projects := make([]Project, 0, len(names))
	for _, name := range names {
		if slices.ContainsFunc(projects, func(p Project) bool { return p.Name == name }) {
			continue
		}
		projects = append(projects, Project{Name: name})
	}

	for _, name := range notify {
		idx := slices.IndexFunc(projects, func(p Project) bool { return p.Name == name })
		if idx < 0 {
			return nil, invalid("HAS_NOTIFICATION names %q which is not in PROJECTS", name)
		}
		projects[idx].Notify = true
	}
	return projects, nil
}

func readProjectsFile(path string) ([]Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid("PROJECTS_FILE: %v", err)
	}

	var file projectsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, invalid("PROJECTS_FILE %s: %v", path, err)
	}
	for i, p := range file.Projects {
		file.Projects[i].Name = strings.TrimSpace(p.Name)
		if file.Projects[i].Name == "" {
			return nil, invalid("PROJECTS_FILE %s: project %d has no name", path, i)
		}
	}
	return file.Projects, nil
}

// appendProjects adds file entries to env entries. A project named in both keeps its
// env position and is notified if either source enables it.
func appendProjects(projects, extra []Project) []Project {
	for _, p := range extra {
		idx := slices.IndexFunc(projects, func(q Project) bool { return q.Name == p.Name })
		if idx < 0 {
			projects = append(projects, p)
			continue
		}
		projects[idx].Notify = projects[idx].Notify || p.Notify
	}
	return projects
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
