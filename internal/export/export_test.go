package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func sampleTranscript() model.Transcript {
	return model.Transcript{
		CandidateID:   "cand-42",
		CandidateName: "Ada Lovelace",
		ExamID:        "7f1c2a34-0000-4000-8000-000000000001",
		ExamTitle:     "Python basics",
		Questions: []model.Question{
			{ID: uuid.New(), Position: 0, Prompt: "Print hello"},
			{ID: uuid.New(), Position: 1, Prompt: "Sum a list"},
		},
		Answers:      []string{"print('hello')", ""},
		FinalCode:    "def total(xs):\n\treturn sum(xs)",
		Disqualified: true,
		SubmittedAt:  time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestFileName(t *testing.T) {
	cases := map[string]struct {
		exam, candidate string
		want            string
	}{
		"plain":     {"exam-1", "cand-1", "exam-1_cand-1.pdf"},
		"traversal": {"../etc", "a/b", "_etc_a_b.pdf"},
		"empty":     {"", "x", "unknown_x.pdf"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := FileName(tc.exam, tc.candidate, FormatPDF); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"PDF": FormatPDF, " xlsx ": FormatXLSX, "": FormatNone, "none": FormatNone} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := ParseFormat("docx"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestNewRejectsPDFWithoutFont(t *testing.T) {
	if _, err := New(t.TempDir(), FormatPDF, "", zerolog.Nop()); err == nil {
		t.Fatalf("expected error without font")
	}
	if _, err := New(t.TempDir(), FormatNone, "", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for none format")
	}
}

func TestExportXLSX(t *testing.T) {
	dir := t.TempDir()
	e, err := New(dir, FormatXLSX, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr := sampleTranscript()

	path, err := e.Export(context.Background(), tr)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if want := filepath.Join(dir, FileName(tr.ExamID, tr.CandidateID, FormatXLSX)); path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	status, _ := f.GetCellValue(summarySheet, "B6")
	if status != "Disqualified (integrity violation)" {
		t.Fatalf("unexpected status %q", status)
	}
	rows, err := f.GetRows(answersSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 answers, got %d rows", len(rows))
	}
	if rows[1][1] != "Print hello" || rows[1][2] != "print('hello')" {
		t.Fatalf("unexpected answer row %q", rows[1])
	}

	tr.Disqualified = false
	if _, err := e.Export(context.Background(), tr); err != nil {
		t.Fatalf("re-export: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected re-export to replace the file, got %d entries", len(entries))
	}
}

func TestExportCanceled(t *testing.T) {
	e, err := New(t.TempDir(), FormatXLSX, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Export(ctx, sampleTranscript()); err == nil {
		t.Fatalf("expected canceled export to fail")
	}
}

func TestExportPDF(t *testing.T) {
	font := ""
	for _, candidate := range []string{
		"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/TTF/DejaVuSans.ttf",
		"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	} {
		if _, err := os.Stat(candidate); err == nil {
			font = candidate
			break
		}
	}
	if font == "" {
		t.Skip("no TTF font available")
	}

	e, err := New(t.TempDir(), FormatPDF, font, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := e.Export(context.Background(), sampleTranscript())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) < 4 || string(data[:4]) != "%PDF" {
		t.Fatalf("output is not a pdf")
	}
}
