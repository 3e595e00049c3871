package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// UploadOutcome is the schema snapshot of the upload_outcomes table at version 1.
type UploadOutcome struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UploadID     string         `gorm:"type:text;not null;index"`
	State        string         `gorm:"type:text;not null;index"`
	Project      string         `gorm:"type:text"`
	ArchivePath  string         `gorm:"type:text"`
	Size         int64          `gorm:"type:bigint;not null;default:0"`
	Notification string         `gorm:"type:text"`
	Error        string         `gorm:"type:text"`
	CleanupError string         `gorm:"type:text"`
	Trail        datatypes.JSON `gorm:"type:jsonb"`
	Metadata     datatypes.JSON `gorm:"type:jsonb"`
	StartedAt    time.Time      `gorm:"type:timestamptz;not null"`
	FinishedAt   time.Time      `gorm:"type:timestamptz;not null;index"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&UploadOutcome{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&UploadOutcome{})
}
