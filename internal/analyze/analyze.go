// Package analyze scores whether an uploaded document carries enough
// substance to build an agent from. The LLM-backed analyzer asks an
// OpenAI-compatible model for an evaluation and parses a score out of the
// reply; the heuristic analyzer works from keyword signals alone and also
// serves as the degraded path when the model call fails.
package analyze

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// SufficientScore is the minimum score at which a document is considered
// sufficient for agent creation.
const SufficientScore = 60

// Report is the outcome of a sufficiency analysis.
type Report struct {
	Score      int      `json:"score"`
	Sufficient bool     `json:"sufficient"`
	Topics     []string `json:"topics"`
	Analysis   string   `json:"analysis,omitempty"`
}

// Analyzer evaluates document sufficiency against the task instructions.
type Analyzer interface {
	Analyze(ctx context.Context, instructions, text string) (*Report, error)
}

// Heuristic scores documents from keyword signals without an external model.
type Heuristic struct{}

// NewHeuristic creates the keyword-based analyzer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Analyze never fails; it always produces a report from the text itself.
func (h *Heuristic) Analyze(ctx context.Context, instructions, text string) (*Report, error) {
	return HeuristicReport(instructions, text), nil
}

// HeuristicReport builds a Report from keyword signals in the document text.
func HeuristicReport(instructions, text string) *Report {
	score := keywordScore(text)
	return &Report{
		Score:      score,
		Sufficient: score >= SufficientScore,
		Topics:     ExtractTopics(text),
	}
}

var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d+)\s*%`),
	regexp.MustCompile(`(?i)(\d+)\s*/\s*100`),
	regexp.MustCompile(`(?i)score[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)completeness[:\s]+(\d+)`),
}

// ExtractScore pulls a 0-100 sufficiency score out of free-form evaluation
// text. It tries explicit score patterns first ("80%", "80/100", "score: 80")
// and falls back to keyword signals when none match.
func ExtractScore(text string) int {
	for _, re := range scorePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			return clampScore(n)
		}
	}
	return keywordScore(text)
}

func keywordScore(text string) int {
	lower := strings.ToLower(text)
	score := 50
	if containsAny(lower, "complete", "detailed", "comprehensive") {
		score += 20
	}
	if containsAny(lower, "insufficient", "lacking", "missing") {
		score -= 20
	}
	return clampScore(score)
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

var topicKeywords = []string{"process", "procedure", "policy", "requirement", "step", "guideline"}

// ExtractTopics returns up to five known topic keywords present in the text.
func ExtractTopics(text string) []string {
	lower := strings.ToLower(text)
	var topics []string
	for _, kw := range topicKeywords {
		if strings.Contains(lower, kw) {
			topics = append(topics, kw)
		}
		if len(topics) == 5 {
			break
		}
	}
	return topics
}
