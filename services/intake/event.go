// Package intake turns "upload finished" signals from the transport into pipeline runs.
package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// HookPostFinish is the tusd hook type sent once an upload's bytes are complete.
const HookPostFinish = "post-finish"

var (
	// ErrMissingID means the event named no upload.
	ErrMissingID = errors.New("upload id is missing")
	// ErrIgnoredHook marks a hook for a lifecycle stage other than post-finish.
	ErrIgnoredHook = errors.New("hook type ignored")
)

// FinishedEvent is the bus payload announcing a completed upload.
type FinishedEvent struct {
	ID string `json:"id"`
}

type hookUpload struct {
	ID string `json:"ID"`
}

type hookEvent struct {
	Upload hookUpload `json:"Upload"`
}

// hookRequest accepts both the plain {"id": ...} body and the tusd hook envelope.
type hookRequest struct {
	ID    string     `json:"id"`
	Type  string     `json:"Type"`
	Event *hookEvent `json:"Event"`
}

// UploadID extracts the upload id from an event body.
func (h hookRequest) UploadID() (string, error) {
	if h.Type != "" && h.Type != HookPostFinish {
		return "", fmt.Errorf("%w: %s", ErrIgnoredHook, h.Type)
	}

	id := strings.TrimSpace(h.ID)
	if id == "" && h.Event != nil {
		id = strings.TrimSpace(h.Event.Upload.ID)
	}
	if id == "" {
		return "", ErrMissingID
	}
	return id, nil
}

// DecodeEvent parses a finished-upload event in either accepted shape.
func DecodeEvent(data []byte) (string, error) {
	var req hookRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	return req.UploadID()
}
