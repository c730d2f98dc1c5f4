package model

import "github.com/google/uuid"

// Question is one prompt of an exam. Position is its zero-based index and is
// the address used by the answer buffer.
type Question struct {
	ID                 uuid.UUID `json:"id"`
	Position           int       `json:"position"`
	Prompt             string    `json:"prompt"`
	ExpectedOutputHint string    `json:"expected_output_hint,omitempty"`
}

// SeedQuestion is a question entry in a seed file.
type SeedQuestion struct {
	Prompt             string `json:"prompt" binding:"required,min=1"`
	ExpectedOutputHint string `json:"expected_output_hint"`
}
