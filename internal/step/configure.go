package step

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Agent configuration defaults applied during the configure step.
const (
	maxAgentInstructions = 500
	defaultTemperature   = 0.7
	defaultTopK          = 10
	defaultMaxOutput     = 2048
)

// Configure assembles the final agent configuration from the outputs of the
// earlier steps.
type Configure struct {
	logger *zap.Logger
}

// NewConfigure creates the configure step.
func NewConfigure(logger *zap.Logger) *Configure {
	return &Configure{logger: logger}
}

func (s *Configure) Name() string { return "configure" }

// Run builds the agent definition. It only reads earlier step outputs, so it
// cannot conflict with their keys.
func (s *Configure) Run(ctx context.Context, sc *Context) (*Result, error) {
	indexRef := sc.String("index_ref")
	if indexRef == "" {
		return nil, fmt.Errorf("no index reference from indexing step")
	}

	instructions := sc.Instructions
	if len(instructions) > maxAgentInstructions {
		instructions = instructions[:maxAgentInstructions]
	}

	agentID := "agent_" + sc.TaskID
	caps := inferCapabilities(sc.Instructions)

	s.logger.Debug("agent configured",
		zap.String("task", sc.TaskID),
		zap.String("agent", agentID),
		zap.Strings("capabilities", caps))

	return &Result{
		Output: map[string]interface{}{
			"agent_id":     agentID,
			"agent_name":   fmt.Sprintf("Agent for %s", sc.DocumentName),
			"agent_type":   "document_qa",
			"agent_status": "configured",
			"instructions": instructions,
			"rag_config": map[string]interface{}{
				"knowledge_base": indexRef,
				"chunk_size":     MaxTokensPerChunk,
				"chunk_overlap":  OverlapTokens,
				"splitter":       "whitespace",
			},
			"model_config": map[string]interface{}{
				"temperature":       defaultTemperature,
				"top_k":             defaultTopK,
				"max_output_tokens": defaultMaxOutput,
			},
			"capabilities":  caps,
			"configured_at": time.Now().UTC().Format(time.RFC3339),
		},
		Message: fmt.Sprintf("agent %s configured with %d capabilities", agentID, len(caps)),
	}, nil
}

var capabilityKeywords = []struct {
	keyword    string
	capability string
}{
	{"summarize", "summarization"},
	{"extract", "extraction"},
	{"categorize", "categorization"},
	{"generate", "content_generation"},
	{"translate", "translation"},
	{"analyze", "analysis"},
	{"recommend", "recommendation"},
}

// inferCapabilities derives agent capabilities from instruction keywords.
// Question answering and document analysis are always present.
func inferCapabilities(instructions string) []string {
	caps := []string{"question_answering", "document_analysis"}
	lower := strings.ToLower(instructions)
	for _, kc := range capabilityKeywords {
		if strings.Contains(lower, kc.keyword) {
			caps = append(caps, kc.capability)
		}
	}
	return caps
}
