// Package gateway serves the read-only retrieval endpoints over a project's completed directory.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"qtus/pkg/render"
	"qtus/services/pipeline"
)

// MetadataHeader carries the comma-separated "key value" pairs identifying a download.
const MetadataHeader = "Upload-Metadata"

// Options configures a Gateway.
type Options struct {
	FS       afero.Fs
	Projects *pipeline.ProjectSet
	// Project is the project whose completed directory is served.
	Project        string
	PublicBaseURL  string
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP; zero disables limiting.
	RateLimit int
	Logger    zerolog.Logger
}

// Gateway lists and streams archived artifacts.
type Gateway struct {
	fs      afero.Fs
	dir     string
	baseURL string
	origins []string
	limit   int
	logger  zerolog.Logger
}

// File is one entry of the /uploads listing.
type File struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Listing is the /uploads response body.
type Listing struct {
	Files []File `json:"files"`
}

// New resolves the served project against the project set.
func New(opts Options) (*Gateway, error) {
	if opts.FS == nil {
		return nil, errors.New("filesystem is required")
	}
	if opts.Projects == nil {
		return nil, errors.New("project set is required")
	}
	project, ok := opts.Projects.Lookup(opts.Project)
	if !ok {
		return nil, fmt.Errorf("gateway project %q is not configured", opts.Project)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &Gateway{
		fs:      opts.FS,
		dir:     project.CompletedDir,
		baseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		origins: origins,
		limit:   opts.RateLimit,
		logger:  opts.Logger.With().Str("component", "gateway").Str("project", project.Name).Logger(),
	}, nil
}

// Routes registers GET /uploads and GET /downloads behind CORS and per-IP rate limiting.
func (g *Gateway) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: g.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			AllowedHeaders: []string{"Accept", MetadataHeader, "Range"},
			ExposedHeaders: []string{"Content-Disposition", "Content-Length"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
		if g.limit > 0 {
			r.Use(httprate.LimitByIP(g.limit, time.Minute))
		}

		r.Get("/uploads", g.handleList)
		r.Get("/downloads", g.handleDownload)
	})
}

func (g *Gateway) handleList(w http.ResponseWriter, _ *http.Request) {
	entries, err := afero.ReadDir(g.fs, g.dir)
	if err != nil {
		g.logger.Error().Err(err).Msg("listing completed directory failed")
		render.Error(w, http.StatusInternalServerError, err)
		return
	}

	listing := Listing{Files: make([]File, 0, len(entries))}
	for _, entry := range entries {
		name := entry.Name()
		// In-flight archive copies are dot-prefixed temp files.
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		listing.Files = append(listing.Files, File{
			Name: name,
			URL:  g.baseURL + "/" + url.PathEscape(name),
		})
	}

	render.JSON(w, http.StatusOK, listing)
}

func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get(MetadataHeader)
	if header == "" {
		render.Error(w, http.StatusBadRequest, fmt.Errorf("%s header is missing", MetadataHeader))
		return
	}

	id := ParseUploadMetadata(header)["id"]
	if id == "" {
		render.Error(w, http.StatusBadRequest, fmt.Errorf("id is missing in the %s header", MetadataHeader))
		return
	}
	if err := pipeline.ValidateID(id); err != nil {
		render.Error(w, http.StatusBadRequest, err)
		return
	}
	if strings.HasPrefix(id, ".") {
		render.Error(w, http.StatusBadRequest, fmt.Errorf("id %q is not a finished upload", id))
		return
	}

	path := pipeline.Layout{Dir: g.dir}.ArtifactPath(id)
	log := g.logger.With().Str("upload_id", id).Logger()
	log.Debug().Str("path", path).Msg("reading file")

	f, err := g.fs.Open(path)
	if err != nil {
		g.readFailed(w, log, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		g.readFailed(w, log, err)
		return
	}
	if info.IsDir() {
		g.readFailed(w, log, fmt.Errorf("%s: %w", id, fs.ErrNotExist))
		return
	}

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		g.readFailed(w, log, err)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		g.readFailed(w, log, err)
		return
	}

	w.Header().Set("Content-Type", mtype.String())
	w.Header().Set("Content-Disposition", "attachment; filename="+id)
	http.ServeContent(w, r, id, info.ModTime(), f)
}

func (g *Gateway) readFailed(w http.ResponseWriter, log zerolog.Logger, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		render.Error(w, http.StatusNotFound, errors.New("file not found"))
		return
	}
	log.Error().Err(err).Msg("reading archived file failed")
	render.Error(w, http.StatusInternalServerError, err)
}

// ParseUploadMetadata splits a header of comma-separated "key value" pairs. Keys without a
// value map to the empty string; values are used as sent, without base64 decoding.
func ParseUploadMetadata(header string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, " ")
		out[key] = strings.TrimSpace(value)
	}
	return out
}
