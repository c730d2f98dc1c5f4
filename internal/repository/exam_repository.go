package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository handles exam definition data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam with its questions ordered by position.
// Returns pgx.ErrNoRows when the exam does not exist.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	var accessHash *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, language, duration_minutes, status, access_code_hash, created_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Language, &e.DurationMinutes, &e.Status, &accessHash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if accessHash != nil {
		e.AccessCodeHash = *accessHash
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, position, prompt, expected_output_hint
		 FROM exam_questions
		 WHERE exam_id = $1
		 ORDER BY position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Position, &q.Prompt, &q.ExpectedOutputHint); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		e.Questions = append(e.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

// ListPublishedIDs returns the IDs of every published exam.
func (r *ExamRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exams WHERE status = $1 ORDER BY created_at`, model.ExamStatusPublished,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// Save inserts or replaces an exam and its questions in one transaction.
func (r *ExamRepository) Save(ctx context.Context, e *model.ExamDefinition) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var accessHash *string
	if e.AccessCodeHash != "" {
		accessHash = &e.AccessCodeHash
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO exams (id, title, language, duration_minutes, status, access_code_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title,
		     language = EXCLUDED.language,
		     duration_minutes = EXCLUDED.duration_minutes,
		     status = EXCLUDED.status,
		     access_code_hash = EXCLUDED.access_code_hash,
		     updated_at = NOW()
		 RETURNING created_at`,
		e.ID, e.Title, e.Language, e.DurationMinutes, e.Status, accessHash,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM exam_questions WHERE exam_id = $1`, e.ID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range e.Questions {
		q := &e.Questions[i]
		if q.ID == uuid.Nil {
			q.ID = uuid.New()
		}
		q.Position = i
		batch.Queue(
			`INSERT INTO exam_questions (id, exam_id, position, prompt, expected_output_hint)
			 VALUES ($1, $2, $3, $4, $5)`,
			q.ID, e.ID, q.Position, q.Prompt, q.ExpectedOutputHint,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}

	return tx.Commit(ctx)
}
