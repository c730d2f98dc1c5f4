package model

import "time"

// Transcript is the input of the best-effort document export that follows
// a completed session.
type Transcript struct {
	CandidateID   string     `json:"candidate_id"`
	CandidateName string     `json:"candidate_name"`
	ExamID        string     `json:"exam_id"`
	ExamTitle     string     `json:"exam_title"`
	Questions     []Question `json:"questions"`
	Answers       []string   `json:"answers"`
	FinalCode     string     `json:"final_code"`
	Disqualified  bool       `json:"disqualified"`
	SubmittedAt   time.Time  `json:"submitted_at"`
}
