package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Document text sent to the model is capped so oversized uploads do not
// produce oversized prompts.
const maxExcerptChars = 8000

// LLMConfig configures the model-backed analyzer.
type LLMConfig struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	Timeout  time.Duration
}

// LLM asks an OpenAI-compatible chat model to evaluate document sufficiency
// and parses the score out of its reply.
type LLM struct {
	config LLMConfig
	client *http.Client
	logger *zap.Logger
}

// NewLLM creates a model-backed analyzer.
func NewLLM(cfg LLMConfig, logger *zap.Logger) *LLM {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &LLM{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

const evaluationPrompt = `Evaluate this document for creating an intelligent AI agent:
1. Is the document detailed enough? (sections, subsections, examples)
2. Does it have clear structure and hierarchy?
3. Are there enough examples and use cases?
4. Would an AI agent be able to understand and follow the instructions?
5. What's the completeness score (0-100)?
6. What additional information would help?

Respond in structured format with clear scores.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze sends the instructions and a document excerpt to the model and
// extracts a sufficiency report from the reply.
func (l *LLM) Analyze(ctx context.Context, instructions, text string) (*Report, error) {
	excerpt := text
	if len(excerpt) > maxExcerptChars {
		excerpt = excerpt[:maxExcerptChars]
	}

	body, err := json.Marshal(chatRequest{
		Model: l.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: evaluationPrompt},
			{Role: "user", Content: fmt.Sprintf("Agent instructions:\n%s\n\nDocument:\n%s", instructions, excerpt)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("analyze: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.config.APIKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyze: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("analyze: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("analyze: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("analyze: empty response from model")
	}

	reply := result.Choices[0].Message.Content
	score := ExtractScore(reply)

	l.logger.Debug("sufficiency evaluated", zap.Int("score", score))

	return &Report{
		Score:      score,
		Sufficient: score >= SufficientScore,
		Topics:     ExtractTopics(reply + " " + excerpt),
		Analysis:   reply,
	}, nil
}
