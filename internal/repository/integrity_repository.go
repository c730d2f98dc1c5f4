package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// IntegrityRepository appends integrity violations to the audit table.
type IntegrityRepository struct {
	pool *pgxpool.Pool
}

// NewIntegrityRepository creates a new IntegrityRepository.
func NewIntegrityRepository(pool *pgxpool.Pool) *IntegrityRepository {
	return &IntegrityRepository{pool: pool}
}

var integrityColumns = []string{"session_id", "exam_id", "candidate_id", "kind", "occurred_at"}

// InsertBatch bulk-loads records with COPY.
func (r *IntegrityRepository) InsertBatch(ctx context.Context, batch []model.IntegrityRecord) error {
	rows := make([][]any, 0, len(batch))
	for _, rec := range batch {
		rows = append(rows, []any{
			rec.SessionID, rec.ExamID, rec.CandidateID, string(rec.Kind), time.UnixMilli(rec.OccurredAt),
		})
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"integrity_events"}, integrityColumns, pgx.CopyFromRows(rows))
	return err
}

// Insert writes a single record.
func (r *IntegrityRepository) Insert(ctx context.Context, rec model.IntegrityRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO integrity_events (session_id, exam_id, candidate_id, kind, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.SessionID, rec.ExamID, rec.CandidateID, string(rec.Kind), time.UnixMilli(rec.OccurredAt),
	)
	return err
}
