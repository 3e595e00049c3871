// Package replica mirrors archived artifacts into an S3 bucket.
package replica

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Uploader stores an object with a verified sha256 checksum.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string, meta map[string]string) error
}

// Replica copies archives to <bucket>/<project>/<id>.
type Replica struct {
	fs       afero.Fs
	uploader Uploader
	bucket   string
	logger   zerolog.Logger
}

// New builds a Replica for bucket.
func New(fsys afero.Fs, uploader Uploader, bucket string, logger zerolog.Logger) (*Replica, error) {
	if fsys == nil {
		return nil, errors.New("filesystem is required")
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Replica{
		fs:       fsys,
		uploader: uploader,
		bucket:   bucket,
		logger:   logger.With().Str("component", "replica").Str("bucket", bucket).Logger(),
	}, nil
}

// Key is the object key for an archived upload.
func Key(project, id string) string {
	return path.Join(project, id)
}

// Replicate hashes the archive at localPath and uploads it.
func (r *Replica) Replicate(ctx context.Context, project, id, localPath string) error {
	f, err := r.fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	key := Key(project, id)
	start := time.Now()
	meta := map[string]string{"project": project, "upload-id": id}
	if err := r.uploader.PutObject(ctx, r.bucket, key, f, size, digest, meta); err != nil {
		return fmt.Errorf("put %s/%s: %w", r.bucket, key, err)
	}

	r.logger.Info().
		Str("upload_id", id).
		Str("key", key).
		Str("size", humanize.IBytes(uint64(size))).
		Str("sha256", digest).
		Dur("took", time.Since(start)).
		Msg("archive replicated")
	return nil
}
