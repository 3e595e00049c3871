package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	keyProject = "project"
	keyApp     = "app"
	keyModel   = "model"
)

// UploadRecord is the decoded sidecar written by the transport next to a finished artifact.
type UploadRecord struct {
	ID           string   `json:"id"`
	Size         int64    `json:"size"`
	Offset       int64    `json:"offset"`
	CreationDate string   `json:"creation_date"`
	Metadata     Metadata `json:"metadata"`
}

// Enrich merges the system fields into the metadata so downstream consumers see them.
// Only the in-memory record changes; the sidecar on disk is left as written.
func (r *UploadRecord) Enrich() {
	r.Metadata.Set("size", r.Size)
	r.Metadata.Set("id", r.ID)
	r.Metadata.Set("creation_date", r.CreationDate)
}

// Metadata is the client-supplied attribute set of an upload. The routing keys are
// lifted into typed fields; everything else is kept verbatim in Extra.
type Metadata struct {
	Project string
	App     string
	Model   string
	Extra   map[string]any

	hasProject bool
	hasApp     bool
	hasModel   bool
}

// HasProject reports whether the client supplied a project key at all.
func (m Metadata) HasProject() bool { return m.hasProject }

// Set stores an extension value. Routing keys are not settable through Set.
func (m *Metadata) Set(key string, value any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
}

// Fields flattens the metadata back into a fresh map.
func (m Metadata) Fields() map[string]any {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.hasProject {
		out[keyProject] = m.Project
	}
	if m.hasApp {
		out[keyApp] = m.App
	}
	if m.hasModel {
		out[keyModel] = m.Model
	}
	return out
}

// MarshalJSON encodes the flattened form.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Fields())
}

// UnmarshalJSON decodes an object, rejecting non-string routing keys.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Metadata{Extra: make(map[string]any, len(raw))}
	for key, value := range raw {
		switch key {
		case keyProject, keyApp, keyModel:
			if value == nil {
				continue
			}
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("metadata field %q must be a string, got %T", key, value)
			}
			switch key {
			case keyProject:
				out.Project, out.hasProject = s, true
			case keyApp:
				out.App, out.hasApp = s, true
			case keyModel:
				out.Model, out.hasModel = s, true
			}
		default:
			out.Extra[key] = value
		}
	}

	*m = out
	return nil
}

// Layout locates the transient files the transport leaves behind for an upload.
type Layout struct {
	Dir string
}

// ArtifactPath is the raw uploaded bytes.
func (l Layout) ArtifactPath(id string) string {
	return filepath.Join(l.Dir, id)
}

// SidecarPath is the JSON metadata record.
func (l Layout) SidecarPath(id string) string {
	return filepath.Join(l.Dir, id+".json")
}

// ValidateID rejects identifiers that are empty or could resolve outside a storage directory.
func ValidateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	return nil
}
