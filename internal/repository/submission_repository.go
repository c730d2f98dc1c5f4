package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionRepository handles final submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Upsert writes the submission keyed by (exam_id, candidate_id). Replaying
// the same submission leaves exactly one row.
func (r *SubmissionRepository) Upsert(ctx context.Context, s *model.Submission) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO submissions (exam_id, candidate_id, session_id, answers, freeform_code, disqualified, reason, submitted_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		 ON CONFLICT (exam_id, candidate_id) DO UPDATE
		 SET session_id = EXCLUDED.session_id,
		     answers = EXCLUDED.answers,
		     freeform_code = EXCLUDED.freeform_code,
		     disqualified = EXCLUDED.disqualified,
		     reason = EXCLUDED.reason,
		     submitted_at = EXCLUDED.submitted_at,
		     updated_at = NOW()`,
		s.ExamID, s.CandidateID, s.SessionID, string(answers), s.FreeformCode, s.Disqualified, s.Reason, s.SubmittedAt,
	)
	return err
}

// GetByExamAndCandidate retrieves the stored submission for a candidate.
// Returns pgx.ErrNoRows when nothing was submitted.
func (r *SubmissionRepository) GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID string) (*model.Submission, error) {
	s := &model.Submission{}
	var answers []byte
	err := r.pool.QueryRow(ctx,
		`SELECT exam_id, candidate_id, session_id, answers, freeform_code, disqualified, reason, submitted_at
		 FROM submissions
		 WHERE exam_id = $1 AND candidate_id = $2`, examID, candidateID,
	).Scan(&s.ExamID, &s.CandidateID, &s.SessionID, &answers, &s.FreeformCode, &s.Disqualified, &s.Reason, &s.SubmittedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(answers, &s.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	return s, nil
}
