package service

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// MonitorStore reads the persisted progress of an exam.
type MonitorStore interface {
	GetAnsweredCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error)
	GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error)
	GetSubmittedCandidates(ctx context.Context, examID uuid.UUID) (map[string]string, error)
}

// MonitorService merges live sessions of this process with persisted progress
// for the proctor monitor.
type MonitorService struct {
	store    MonitorStore
	sessions *SessionService
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(store MonitorStore, sessions *SessionService) *MonitorService {
	return &MonitorService{store: store, sessions: sessions}
}

// CandidateProgress is one row of the monitor.
type CandidateProgress struct {
	CandidateID      string        `json:"candidate_id"`
	SessionID        string        `json:"session_id,omitempty"`
	State            proctor.State `json:"state,omitempty"`
	RemainingSeconds int           `json:"remaining_seconds"`
	Disqualified     bool          `json:"disqualified"`
	AnsweredCount    int64         `json:"answered_count"`
	ViolationCount   int64         `json:"violation_count"`
	Submitted        bool          `json:"submitted"`
	SubmitReason     string        `json:"submit_reason,omitempty"`
}

// ExamProgress is the monitor snapshot of one exam.
type ExamProgress struct {
	Live            int                 `json:"live"`
	Submitted       int                 `json:"submitted"`
	TotalViolations int64               `json:"total_violations"`
	Candidates      []CandidateProgress `json:"candidates"`
}

// GetExamProgress fetches the persisted counts concurrently and overlays the
// live sessions. Answered counts and submissions are required, violation
// counts are best-effort.
func (s *MonitorService) GetExamProgress(ctx context.Context, examID uuid.UUID) (*ExamProgress, error) {
	var (
		answered     map[string]int64
		violations   map[string]int64
		submitted    map[string]string
		answeredErr  error
		violationErr error
		submittedErr error
		wg           sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		answered, answeredErr = s.store.GetAnsweredCounts(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		violations, violationErr = s.store.GetViolationCounts(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		submitted, submittedErr = s.store.GetSubmittedCandidates(ctx, examID)
	}()
	wg.Wait()

	if answeredErr != nil {
		return nil, answeredErr
	}
	if submittedErr != nil {
		return nil, submittedErr
	}
	if violationErr != nil {
		violations = nil
	}

	rows := make(map[string]*CandidateProgress)
	row := func(cand string) *CandidateProgress {
		r, ok := rows[cand]
		if !ok {
			r = &CandidateProgress{CandidateID: cand}
			rows[cand] = r
		}
		return r
	}

	progress := &ExamProgress{}
	for cand, n := range answered {
		row(cand).AnsweredCount = n
	}
	for cand, n := range violations {
		row(cand).ViolationCount = n
		progress.TotalViolations += n
	}
	for cand, reason := range submitted {
		r := row(cand)
		r.Submitted = true
		r.SubmitReason = reason
	}

	if s.sessions != nil {
		for _, snap := range s.sessions.ListByExam(examID) {
			r := row(snap.CandidateID)
			r.SessionID = snap.SessionID
			r.State = snap.State
			r.RemainingSeconds = snap.RemainingSeconds
			r.Disqualified = snap.Disqualified
			// Live answers are fresher than the autosave table.
			var n int64
			for _, a := range snap.Answers {
				if a != "" {
					n++
				}
			}
			if n > r.AnsweredCount {
				r.AnsweredCount = n
			}
			if !snap.State.Terminal() {
				progress.Live++
			}
		}
	}

	progress.Candidates = make([]CandidateProgress, 0, len(rows))
	for _, r := range rows {
		if r.Submitted {
			progress.Submitted++
		}
		progress.Candidates = append(progress.Candidates, *r)
	}
	sort.Slice(progress.Candidates, func(i, j int) bool {
		return progress.Candidates[i].CandidateID < progress.Candidates[j].CandidateID
	})
	return progress, nil
}
