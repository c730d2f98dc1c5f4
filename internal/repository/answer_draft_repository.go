package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerDraftRepository stores autosaved answers.
type AnswerDraftRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerDraftRepository creates a new AnswerDraftRepository.
func NewAnswerDraftRepository(pool *pgxpool.Pool) *AnswerDraftRepository {
	return &AnswerDraftRepository{pool: pool}
}

// Upsert creates or replaces one answer slot.
func (r *AnswerDraftRepository) Upsert(ctx context.Context, d *model.AnswerDraft) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO answer_drafts (exam_id, candidate_id, question_index, answer)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, candidate_id, question_index) DO UPDATE
		 SET answer = EXCLUDED.answer, updated_at = NOW()`,
		d.ExamID, d.CandidateID, d.QuestionIndex, d.Answer,
	)
	return err
}

// ListByCandidate returns the autosaved answers keyed by question index.
func (r *AnswerDraftRepository) ListByCandidate(ctx context.Context, examID uuid.UUID, candidateID string) (map[int]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_index, answer
		 FROM answer_drafts
		 WHERE exam_id = $1 AND candidate_id = $2`, examID, candidateID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			idx    int
			answer string
		)
		if err := rows.Scan(&idx, &answer); err != nil {
			return nil, err
		}
		out[idx] = answer
	}
	return out, rows.Err()
}
