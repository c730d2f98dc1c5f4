package validator

import (
	"testing"

	"github.com/stemsi/exstem-proctor/internal/model"
)

type answerPayload struct {
	Index *int   `json:"index" binding:"required,min=0"`
	Text  string `json:"text" binding:"max=16"`
}

func TestValidateStruct(t *testing.T) {
	Setup()

	zero := 0
	if fields := ValidateStruct(&answerPayload{Index: &zero, Text: "ok"}); fields != nil {
		t.Fatalf("expected valid payload, got %v", fields)
	}

	fields := ValidateStruct(&answerPayload{Text: "this text is far too long"})
	if fields == nil {
		t.Fatalf("expected validation errors")
	}
	if _, ok := fields["index"]; !ok {
		t.Fatalf("expected json field name index in %v", fields)
	}
	if _, ok := fields["text"]; !ok {
		t.Fatalf("expected json field name text in %v", fields)
	}
}

type signalPayload struct {
	Kind     model.IntegrityKind `json:"kind" binding:"required,integrity_kind"`
	Language model.Language      `json:"language" binding:"omitempty,exam_language"`
}

func TestDomainTags(t *testing.T) {
	Setup()

	if fields := ValidateStruct(&signalPayload{Kind: model.IntegrityFocusLost, Language: model.LanguageSQL}); fields != nil {
		t.Fatalf("expected valid payload, got %v", fields)
	}

	fields := ValidateStruct(&signalPayload{Kind: "tab_switched", Language: "cobol"})
	if fields["kind"] != "kind must be a known integrity signal" {
		t.Fatalf("unexpected kind message %q", fields["kind"])
	}
	if fields["language"] != "language must be python or sql" {
		t.Fatalf("unexpected language message %q", fields["language"])
	}
}

func TestTranslateErrorsNonValidation(t *testing.T) {
	fields := TranslateErrors(errString("unexpected EOF"))
	if fields["detail"] != "unexpected EOF" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
