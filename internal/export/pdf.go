package export

import (
	"strings"

	"github.com/signintech/gopdf"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	pdfMargin     = 40.0
	pdfLineHeight = 14.0
	pdfFont       = "body"
)

type pdfWriter struct {
	pdf   *gopdf.GoPdf
	width float64
	limit float64
}

func writePDF(path, fontPath string, t model.Transcript) error {
	page := *gopdf.PageSizeA4
	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: page})
	pdf.SetInfo(gopdf.PdfInfo{
		Title:        t.ExamTitle,
		Author:       t.CandidateName,
		Subject:      "Exam transcript",
		Creator:      "exstem-proctor",
		CreationDate: t.SubmittedAt,
	})
	if err := pdf.AddTTFFont(pdfFont, fontPath); err != nil {
		return err
	}

	w := &pdfWriter{pdf: pdf, width: page.W - 2*pdfMargin, limit: page.H - pdfMargin}
	w.newPage()

	if err := w.heading(t.ExamTitle, 16); err != nil {
		return err
	}
	header := []string{
		"Candidate: " + displayName(t),
		"Exam: " + t.ExamID,
		"Submitted: " + t.SubmittedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		"Status: " + statusLabel(t),
	}
	for _, line := range header {
		if err := w.text(line); err != nil {
			return err
		}
	}
	w.gap()

	for i, q := range t.Questions {
		if err := w.heading(questionLabel(i, q), 12); err != nil {
			return err
		}
		answer := ""
		if i < len(t.Answers) {
			answer = t.Answers[i]
		}
		if strings.TrimSpace(answer) == "" {
			answer = "(no answer)"
		}
		if err := w.text(answer); err != nil {
			return err
		}
		w.gap()
	}

	if strings.TrimSpace(t.FinalCode) != "" {
		if err := w.heading("Final code", 12); err != nil {
			return err
		}
		if err := w.text(t.FinalCode); err != nil {
			return err
		}
	}

	return pdf.WritePdf(path)
}

func (w *pdfWriter) newPage() {
	w.pdf.AddPage()
	w.pdf.SetXY(pdfMargin, pdfMargin)
}

func (w *pdfWriter) heading(s string, size float64) error {
	if err := w.pdf.SetFont(pdfFont, "", size); err != nil {
		return err
	}
	if err := w.lines(s, size+4); err != nil {
		return err
	}
	return w.pdf.SetFont(pdfFont, "", 10)
}

func (w *pdfWriter) text(s string) error {
	if err := w.pdf.SetFont(pdfFont, "", 10); err != nil {
		return err
	}
	return w.lines(s, pdfLineHeight)
}

// lines writes s wrapped to the page width, starting new pages as needed.
func (w *pdfWriter) lines(s string, height float64) error {
	for _, raw := range strings.Split(strings.ReplaceAll(s, "\t", "    "), "\n") {
		wrapped := []string{""}
		if raw != "" {
			var err error
			wrapped, err = w.pdf.SplitText(raw, w.width)
			if err != nil {
				return err
			}
		}
		for _, line := range wrapped {
			if w.pdf.GetY()+height > w.limit {
				w.newPage()
			}
			w.pdf.SetX(pdfMargin)
			if err := w.pdf.Cell(&gopdf.Rect{W: w.width, H: height}, line); err != nil {
				return err
			}
			w.pdf.Br(height)
		}
	}
	return nil
}

func (w *pdfWriter) gap() {
	w.pdf.Br(pdfLineHeight / 2)
}
