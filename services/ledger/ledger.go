// Package ledger persists pipeline outcomes to Postgres and serves them back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/pgxscan"
	"gorm.io/gorm"

	"qtus/pkg/db"
	"qtus/services/pipeline"
)

const (
	// DefaultLimit is used when a query does not set one.
	DefaultLimit = 50
	// MaxLimit caps a single read.
	MaxLimit = 500
)

// Query filters Recent.
type Query struct {
	Limit int
	State string
}

// Ledger writes outcomes through GORM and reads them through pgx.
type Ledger struct {
	orm  *gorm.DB
	pool pgxscan.Querier
}

// New requires both handles; they may share one database.
func New(orm *gorm.DB, pool pgxscan.Querier) (*Ledger, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Ledger{orm: orm, pool: pool}, nil
}

// Record stores one outcome. It satisfies pipeline.Recorder.
func (l *Ledger) Record(ctx context.Context, out pipeline.Outcome) error {
	model, err := newOutcomeModel(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	if err := l.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert outcome %s: %w", out.UploadID, err)
	}
	return nil
}

// Recent returns the newest outcomes first.
func (l *Ledger) Recent(ctx context.Context, q Query) ([]Entry, error) {
	q = q.normalize()
	query, args := recentQuery(q)

	var entries []Entry
	if err := db.Select(ctx, l.pool, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func (q Query) normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	q.State = strings.ToUpper(strings.TrimSpace(q.State))
	return q
}

func recentQuery(q Query) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, upload_id, state,
	COALESCE(project, '') AS project,
	COALESCE(archive_path, '') AS archive_path,
	size,
	COALESCE(notification, '') AS notification,
	COALESCE(error, '') AS error,
	COALESCE(cleanup_error, '') AS cleanup_error,
	COALESCE(trail, '[]'::jsonb) AS trail,
	COALESCE(metadata, '{}'::jsonb) AS metadata,
	started_at, finished_at
FROM upload_outcomes`)

	args := []any{q.Limit}
	if q.State != "" {
		args = append(args, q.State)
		b.WriteString(` WHERE state = $2`)
	}
	b.WriteString(` ORDER BY finished_at DESC LIMIT $1`)
	return b.String(), args
}
