package step

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const previewChars = 200

// Parse reads the stored document and derives a plain-text working view:
// word count, size, and a short preview. Real PDF/DOCX conversion is an
// external collaborator's job; for binary formats this step falls back to a
// printable-run extraction good enough for chunking and analysis.
type Parse struct {
	logger *zap.Logger
}

// NewParse creates the parse step.
func NewParse(logger *zap.Logger) *Parse {
	return &Parse{logger: logger}
}

func (p *Parse) Name() string { return "parse" }

// Run extracts the document's text view and records its basic metrics.
func (p *Parse) Run(ctx context.Context, sc *Context) (*Result, error) {
	data, err := os.ReadFile(sc.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("document %s is empty", sc.DocumentName)
	}

	fileType := sc.String("file_type")
	text := ExtractText(data, fileType)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text in %s document", fileType)
	}

	words := len(strings.Fields(text))
	preview := text
	if r := []rune(preview); len(r) > previewChars {
		preview = string(r[:previewChars])
	}

	p.logger.Debug("document parsed",
		zap.String("task", sc.TaskID),
		zap.Int("words", words),
		zap.Int("bytes", len(data)))

	return &Result{
		Output: map[string]interface{}{
			"document_ref": sc.DocumentPath,
			"text_preview": preview,
			"word_count":   words,
			"file_size":    len(data),
		},
		Message: fmt.Sprintf("extracted %d words from %s", words, sc.DocumentName),
	}, nil
}

// ExtractText derives a plain-text view of the document bytes. Text-born
// formats pass through; binary formats are reduced to their printable runs.
func ExtractText(data []byte, fileType string) string {
	switch fileType {
	case "txt", "json":
		return string(data)
	default:
		return printableRuns(data)
	}
}

// printableRuns keeps runs of at least four consecutive printable characters,
// separated by single spaces. Enough to preview and chunk PDF/DOCX payloads
// without a real converter.
func printableRuns(data []byte) string {
	var b strings.Builder
	var run []byte

	flush := func() {
		if len(run) >= 4 {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.Write(run)
		}
		run = run[:0]
	}

	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if size == 0 {
			break
		}
		if r != utf8.RuneError && r != 0x7f && (r == '\t' || r >= 0x20) {
			run = append(run, data[i:i+size]...)
		} else {
			flush()
		}
		i += size
	}
	flush()
	return b.String()
}
