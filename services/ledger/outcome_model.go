package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"qtus/services/pipeline"
)

type outcomeModel struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UploadID     string         `gorm:"type:text;not null"`
	State        string         `gorm:"type:text;not null"`
	Project      string         `gorm:"type:text"`
	ArchivePath  string         `gorm:"type:text"`
	Size         int64          `gorm:"type:bigint;not null"`
	Notification string         `gorm:"type:text"`
	Error        string         `gorm:"type:text"`
	CleanupError string         `gorm:"type:text"`
	Trail        datatypes.JSON `gorm:"type:jsonb"`
	Metadata     datatypes.JSON `gorm:"type:jsonb"`
	StartedAt    time.Time      `gorm:"type:timestamptz;not null"`
	FinishedAt   time.Time      `gorm:"type:timestamptz;not null"`
}

func (outcomeModel) TableName() string { return "upload_outcomes" }

func newOutcomeModel(out pipeline.Outcome) (outcomeModel, error) {
	trail := make([]string, 0, len(out.Trail))
	for _, s := range out.Trail {
		trail = append(trail, string(s))
	}
	trailJSON, err := json.Marshal(trail)
	if err != nil {
		return outcomeModel{}, err
	}

	metadata := out.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return outcomeModel{}, err
	}

	return outcomeModel{
		ID:           uuid.New(),
		UploadID:     out.UploadID,
		State:        string(out.State),
		Project:      out.Project,
		ArchivePath:  out.ArchivePath,
		Size:         out.Size,
		Notification: string(out.Notification),
		Error:        out.Error,
		CleanupError: out.CleanupError,
		Trail:        datatypes.JSON(trailJSON),
		Metadata:     datatypes.JSON(metadataJSON),
		StartedAt:    out.StartedAt,
		FinishedAt:   out.FinishedAt,
	}, nil
}

// Entry is a recorded outcome as read back from the ledger.
type Entry struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	UploadID     string         `json:"upload_id" db:"upload_id"`
	State        string         `json:"state" db:"state"`
	Project      string         `json:"project,omitempty" db:"project"`
	ArchivePath  string         `json:"archive_path,omitempty" db:"archive_path"`
	Size         int64          `json:"size" db:"size"`
	Notification string         `json:"notification,omitempty" db:"notification"`
	Error        string         `json:"error,omitempty" db:"error"`
	CleanupError string         `json:"cleanup_error,omitempty" db:"cleanup_error"`
	Trail        []string       `json:"trail" db:"trail"`
	Metadata     map[string]any `json:"metadata,omitempty" db:"metadata"`
	StartedAt    time.Time      `json:"started_at" db:"started_at"`
	FinishedAt   time.Time      `json:"finished_at" db:"finished_at"`
}
