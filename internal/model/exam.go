package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Language is the target language of an exam and of every run request in it.
type Language string

const (
	LanguagePython Language = "python"
	LanguageSQL    Language = "sql"
)

// Valid reports whether l is a supported exam language.
func (l Language) Valid() bool {
	return l == LanguagePython || l == LanguageSQL
}

// ExamDefinition is the read-only exam a session is built from.
type ExamDefinition struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Language        Language   `json:"language"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          ExamStatus `json:"status"`
	Questions       []Question `json:"questions"`
	// AccessCodeHash is a bcrypt hash; empty means the exam is open.
	AccessCodeHash string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Duration returns the exam length as a time.Duration.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// RequiresAccessCode reports whether candidates must present an access code.
func (e *ExamDefinition) RequiresAccessCode() bool {
	return e.AccessCodeHash != ""
}

// SeedExamRequest is the JSON file format accepted by cmd/seed-exam.
type SeedExamRequest struct {
	ID              *uuid.UUID     `json:"id" binding:"omitempty"`
	Title           string         `json:"title" binding:"required,min=3,max=255"`
	Language        Language       `json:"language" binding:"required,exam_language"`
	DurationMinutes int            `json:"duration_minutes" binding:"required,min=1,max=480"`
	Publish         bool           `json:"publish"`
	Questions       []SeedQuestion `json:"questions" binding:"required,min=1,dive"`
}
