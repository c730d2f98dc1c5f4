package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	summarySheet = "Summary"
	answersSheet = "Answers"
)

func writeXLSX(path string, t model.Transcript) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return err
	}

	summary := [][]any{
		{"Exam", t.ExamTitle},
		{"Exam ID", t.ExamID},
		{"Candidate", displayName(t)},
		{"Candidate ID", t.CandidateID},
		{"Submitted", t.SubmittedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Status", statusLabel(t)},
		{"Final code", t.FinalCode},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(summary)), bold); err != nil {
		return err
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 16); err != nil {
		return err
	}
	if err := f.SetColWidth(summarySheet, "B", "B", 80); err != nil {
		return err
	}

	if _, err := f.NewSheet(answersSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(answersSheet, "A1", &[]any{"#", "Question", "Answer"}); err != nil {
		return err
	}
	if err := f.SetCellStyle(answersSheet, "A1", "C1", bold); err != nil {
		return err
	}
	for i, q := range t.Questions {
		answer := ""
		if i < len(t.Answers) {
			answer = t.Answers[i]
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(answersSheet, cell, &[]any{i + 1, q.Prompt, answer}); err != nil {
			return err
		}
	}
	if len(t.Questions) > 0 {
		last := fmt.Sprintf("C%d", len(t.Questions)+1)
		if err := f.SetCellStyle(answersSheet, "B2", last, wrap); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(answersSheet, "B", "C", 60); err != nil {
		return err
	}

	return f.SaveAs(path)
}

func displayName(t model.Transcript) string {
	if t.CandidateName == "" {
		return t.CandidateID
	}
	return t.CandidateName + " (" + t.CandidateID + ")"
}

func questionLabel(i int, q model.Question) string {
	return fmt.Sprintf("Question %d. %s", i+1, q.Prompt)
}
