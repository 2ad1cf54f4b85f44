package step

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// MinInstructionLength is the shortest instruction text a task may carry.
const MinInstructionLength = 20

// Decision validates the submission and routes the document into the
// pipeline: instruction length, document presence on disk, file type, and
// whether an external format conversion would be required before indexing.
type Decision struct {
	logger *zap.Logger
}

// NewDecision creates the decision step.
func NewDecision(logger *zap.Logger) *Decision {
	return &Decision{logger: logger}
}

func (d *Decision) Name() string { return "decision" }

// Run checks the submission and records the routing decision.
func (d *Decision) Run(ctx context.Context, sc *Context) (*Result, error) {
	instructions := strings.TrimSpace(sc.Instructions)
	if len(instructions) < MinInstructionLength {
		return nil, fmt.Errorf("instructions too short: %d chars, minimum %d", len(instructions), MinInstructionLength)
	}

	if sc.DocumentPath == "" {
		return nil, fmt.Errorf("no document provided")
	}
	if _, err := os.Stat(sc.DocumentPath); err != nil {
		return nil, fmt.Errorf("document not accessible: %w", err)
	}

	fileType := DetectFileType(sc.DocumentName)
	if fileType == "" {
		return nil, fmt.Errorf("unsupported file type: %s", sc.DocumentName)
	}

	// Conversion to the canonical document format is delegated to an
	// external collaborator; here we only record whether it is needed.
	requiresConversion := fileType != "pdf"

	d.logger.Debug("decision made",
		zap.String("task", sc.TaskID),
		zap.String("file_type", fileType),
		zap.Bool("requires_conversion", requiresConversion))

	msg := fmt.Sprintf("instructions valid (%d chars), detected %s document", len(instructions), strings.ToUpper(fileType))
	if requiresConversion {
		msg += ", conversion required"
	}

	return &Result{
		Output: map[string]interface{}{
			"file_type":           fileType,
			"requires_conversion": requiresConversion,
		},
		Message: msg,
	}, nil
}

// DetectFileType maps a file name to one of the supported document types,
// returning "" when the extension is not recognized.
func DetectFileType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "pdf"
	case strings.HasSuffix(lower, ".docx"), strings.HasSuffix(lower, ".doc"):
		return "docx"
	case strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".md"):
		return "txt"
	case strings.HasSuffix(lower, ".json"):
		return "json"
	}
	return ""
}
