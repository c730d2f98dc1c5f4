// Package export renders completed sessions into downloadable transcripts.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Format selects the transcript document type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
	FormatNone Format = "none"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPDF, FormatXLSX, FormatNone:
		return f, nil
	case "":
		return FormatNone, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Exporter writes transcripts into a directory, one file per
// (exam, candidate). A later export for the same pair replaces the file.
type Exporter struct {
	dir      string
	format   Format
	fontPath string
	log      zerolog.Logger
}

// New creates an exporter for a pdf or xlsx format. PDF output needs a TTF
// font at fontPath.
func New(dir string, format Format, fontPath string, log zerolog.Logger) (*Exporter, error) {
	switch format {
	case FormatPDF:
		if fontPath == "" {
			return nil, fmt.Errorf("pdf export requires a font path")
		}
	case FormatXLSX:
	default:
		return nil, fmt.Errorf("export format %q cannot be rendered", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &Exporter{
		dir:      dir,
		format:   format,
		fontPath: fontPath,
		log:      log.With().Str("component", "transcript_export").Logger(),
	}, nil
}

// Dir returns the output directory.
func (e *Exporter) Dir() string { return e.dir }

// Export renders t and returns the written path.
func (e *Exporter) Export(ctx context.Context, t model.Transcript) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := FileName(t.ExamID, t.CandidateID, e.format)
	path := filepath.Join(e.dir, name)
	tmp := filepath.Join(e.dir, "."+name+".tmp")

	var err error
	switch e.format {
	case FormatPDF:
		err = writePDF(tmp, e.fontPath, t)
	case FormatXLSX:
		err = writeXLSX(tmp, t)
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("render %s: %w", e.format, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish transcript: %w", err)
	}

	e.log.Debug().Str("path", path).Msg("Transcript written")
	return path, nil
}

// FileName builds "{exam}_{candidate}.{ext}" with path separators removed.
func FileName(examID, candidateID string, format Format) string {
	return sanitize(examID) + "_" + sanitize(candidateID) + "." + string(format)
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

func statusLabel(t model.Transcript) string {
	if t.Disqualified {
		return "Disqualified (integrity violation)"
	}
	return "Submitted"
}
