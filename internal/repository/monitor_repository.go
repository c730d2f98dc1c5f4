package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MonitorRepository provides the aggregate counts shown on the live proctor
// monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// GetAnsweredCounts returns the number of non-empty autosaved answers per
// candidate of an exam.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error) {
	return r.countByCandidate(ctx,
		`SELECT candidate_id, COUNT(*)
		 FROM answer_drafts
		 WHERE exam_id = $1 AND answer <> ''
		 GROUP BY candidate_id`, examID)
}

// GetViolationCounts returns the number of recorded integrity violations per
// candidate of an exam.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error) {
	return r.countByCandidate(ctx,
		`SELECT candidate_id, COUNT(*)
		 FROM integrity_events
		 WHERE exam_id = $1
		 GROUP BY candidate_id`, examID)
}

// GetSubmittedCandidates returns the candidates with a stored submission and
// the reason it was made.
func (r *MonitorRepository) GetSubmittedCandidates(ctx context.Context, examID uuid.UUID) (map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT candidate_id, reason FROM submissions WHERE exam_id = $1`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var cand, reason string
		if err := rows.Scan(&cand, &reason); err != nil {
			return nil, err
		}
		out[cand] = reason
	}
	return out, rows.Err()
}

func (r *MonitorRepository) countByCandidate(ctx context.Context, query string, examID uuid.UUID) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, query, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var cand string
		var count int64
		if err := rows.Scan(&cand, &count); err != nil {
			return nil, err
		}
		counts[cand] = count
	}
	return counts, rows.Err()
}
