package pipeline

import (
	"fmt"
	"time"
)

// State is a step of the completion state machine.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateMetadataRead State = "METADATA_READ"
	StateRouted       State = "ROUTED"
	StateArchived     State = "ARCHIVED"
	StateNotified     State = "NOTIFIED"
	StateNotifySkip   State = "NOTIFY_SKIPPED"
	StateNotifyFailed State = "NOTIFY_FAILED"
	StateCleaned      State = "CLEANED"

	// Terminal states that end the pipeline before anything is archived.
	StateNoProject        State = "NO_PROJECT"
	StateUnroutable       State = "UNROUTABLE"
	StateMetadataError    State = "METADATA_ERROR"
	StateArchiveFailed    State = "ARCHIVE_FAILED"
	StateAlreadyProcessed State = "ALREADY_PROCESSED"
)

// Failed reports whether s is a terminal state that left the upload unprocessed because of
// an error.
func (s State) Failed() bool {
	return s == StateMetadataError || s == StateArchiveFailed
}

// Outcome is the result of processing one upload-finished event.
type Outcome struct {
	UploadID     string         `json:"upload_id"`
	State        State          `json:"state"`
	Trail        []State        `json:"trail"`
	Project      string         `json:"project,omitempty"`
	ArchivePath  string         `json:"archive_path,omitempty"`
	Size         int64          `json:"size,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Notification State          `json:"notification,omitempty"`
	Error        string         `json:"error,omitempty"`
	CleanupError string         `json:"cleanup_error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`

	err error
}

// Err returns the error that ended the pipeline, if any.
func (o Outcome) Err() error { return o.err }

// Reached reports whether the pipeline passed through s.
func (o Outcome) Reached(s State) bool {
	for _, t := range o.Trail {
		if t == s {
			return true
		}
	}
	return false
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Trail = append(o.Trail, s)
}

func (o *Outcome) fail(s State, err error) {
	o.enter(s)
	o.err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// String renders a one-line summary for the CLI.
func (o Outcome) String() string {
	if o.Error != "" {
		return fmt.Sprintf("%s %s: %s", o.UploadID, o.State, o.Error)
	}
	if o.ArchivePath != "" {
		return fmt.Sprintf("%s %s -> %s (notification %s)", o.UploadID, o.State, o.ArchivePath, o.Notification)
	}
	return fmt.Sprintf("%s %s", o.UploadID, o.State)
}
