package pipeline

import "errors"

var (
	// ErrMetadataUnavailable reports a sidecar that is missing or cannot be read.
	ErrMetadataUnavailable = errors.New("metadata unavailable")
	// ErrMetadataMalformed reports a sidecar that does not decode into an UploadRecord.
	ErrMetadataMalformed = errors.New("metadata malformed")
	// ErrNoProjectDesignated is returned by the router when the metadata carries no project key.
	// It is an expected outcome, not a failure.
	ErrNoProjectDesignated = errors.New("no project designated")
	// ErrUnknownProject is returned by the router when the project is not configured.
	ErrUnknownProject = errors.New("unknown project")
	// ErrArchiveIO wraps any I/O failure while copying an artifact into its completed directory.
	ErrArchiveIO = errors.New("archive i/o error")
	// ErrCleanup wraps failures removing the transient artifact or its sidecar.
	ErrCleanup = errors.New("cleanup error")
	// ErrInvalidID rejects upload identifiers that could escape the storage directories.
	ErrInvalidID = errors.New("invalid upload id")
)
