package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sportbond/competition-api/internal/models"
)

// MutationRepository persists the durable mutation queue. The table is
// append-only from the producer side; only the worker flips the processed
// flag, and rows are never deleted.
type MutationRepository struct {
	db *sqlx.DB
}

// NewMutationRepository constructs the repository.
func NewMutationRepository(db *sqlx.DB) *MutationRepository {
	return &MutationRepository{db: db}
}

// Create appends a new mutation record and fills in its assigned id.
func (r *MutationRepository) Create(ctx context.Context, mutation *models.Mutation) error {
	if mutation.CreatedAt.IsZero() {
		mutation.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO mutations (created_at, kind, processed, competition_id, created_by)
	VALUES ($1, $2, FALSE, $3, $4)
	RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query,
		mutation.CreatedAt, mutation.Kind, mutation.CompetitionID, mutation.CreatedBy).Scan(&mutation.ID); err != nil {
		return fmt.Errorf("create mutation: %w", err)
	}
	return nil
}

// GetByID fetches a mutation by identifier.
func (r *MutationRepository) GetByID(ctx context.Context, id int64) (*models.Mutation, error) {
	const query = `SELECT id, created_at, kind, processed, competition_id, created_by
	FROM mutations WHERE id = $1`
	var mutation models.Mutation
	if err := r.db.GetContext(ctx, &mutation, query, id); err != nil {
		return nil, err
	}
	return &mutation, nil
}

// FindRecentUnprocessed returns the newest unprocessed record of the same
// kind for the same competition inside the dedup window. This is the
// best-effort duplicate suppression for producers; the race window is
// accepted because every handler is idempotent.
func (r *MutationRepository) FindRecentUnprocessed(ctx context.Context, kind models.MutationKind, competitionID int64, window time.Duration) (*models.Mutation, error) {
	const query = `SELECT id, created_at, kind, processed, competition_id, created_by
	FROM mutations
	WHERE kind = $1 AND competition_id = $2 AND processed = FALSE AND created_at >= $3
	ORDER BY id DESC
	LIMIT 1`
	cutoff := time.Now().UTC().Add(-window)
	var mutation models.Mutation
	if err := r.db.GetContext(ctx, &mutation, query, kind, competitionID, cutoff); err != nil {
		return nil, err
	}
	return &mutation, nil
}

// ListUnprocessedIDs returns the ids of unprocessed records above the given
// watermark, in insertion order. Only ids: the worker re-reads each record
// one at a time so handler state is always fresh.
func (r *MutationRepository) ListUnprocessedIDs(ctx context.Context, afterID int64) ([]int64, error) {
	const query = `SELECT id FROM mutations WHERE processed = FALSE AND id > $1 ORDER BY id`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, afterID); err != nil {
		return nil, fmt.Errorf("list unprocessed mutations: %w", err)
	}
	return ids, nil
}

// MaxID returns the highest assigned mutation id, or 0 for an empty table.
func (r *MutationRepository) MaxID(ctx context.Context) (int64, error) {
	const query = `SELECT COALESCE(MAX(id), 0) FROM mutations`
	var id int64
	if err := r.db.GetContext(ctx, &id, query); err != nil {
		return 0, fmt.Errorf("max mutation id: %w", err)
	}
	return id, nil
}

// MarkProcessed flips the processed flag. Flipping an already processed
// record is reported as sql.ErrNoRows so the worker can spot it.
func (r *MutationRepository) MarkProcessed(ctx context.Context, id int64) error {
	const query = `UPDATE mutations SET processed = TRUE WHERE id = $1 AND processed = FALSE`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark mutation processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check mutation update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
