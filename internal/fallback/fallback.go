// Package fallback decides what to do with a failed pipeline step. The
// coordinator only sees an immutable task snapshot and the failure cause; it
// returns a resolution for the engine to apply, never touching the record
// itself.
package fallback

import (
	"context"
	"strings"

	"github.com/forgelab/agentforge/internal/step"
	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
)

// Action tells the engine how to apply a recovered resolution.
type Action string

const (
	// ActionRetry re-runs the failed step once.
	ActionRetry Action = "retry"
	// ActionSkip treats the step as satisfied using Resolution.Result.
	ActionSkip Action = "skip"
)

// Request carries everything the coordinator may consult.
type Request struct {
	Task  task.View
	Step  string
	Cause string
}

// Resolution is the coordinator's verdict on a failed step.
type Resolution struct {
	Recovered   bool
	Action      Action
	Result      *step.Result
	Analysis    string
	Suggestions []string
}

// Resolver attempts an alternative resolution for a failed step.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (*Resolution, error)
}

// Class is the coordinator's reading of a failure cause.
type Class struct {
	Type         string
	Severity     string
	LikelyCauses []string
	Keywords     []string
}

// Transient reports whether failures of this class are worth retrying.
func (c Class) Transient() bool {
	return c.Type == "timeout" || c.Type == "resource"
}

var causeKeywords = []string{"api", "network", "file", "database", "auth", "upload", "parse"}

// Classify buckets a failure cause by its message.
func Classify(cause string) Class {
	lower := strings.ToLower(cause)

	var c Class
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		c = Class{
			Type:     "timeout",
			Severity: "high",
			LikelyCauses: []string{
				"Process taking too long",
				"Network connectivity issue",
				"Resource exhaustion",
			},
		}
	case strings.Contains(lower, "permission") || strings.Contains(lower, "denied"):
		c = Class{
			Type:     "permission",
			Severity: "high",
			LikelyCauses: []string{
				"Insufficient permissions",
				"API key invalid",
				"Access denied",
			},
		}
	case strings.Contains(lower, "memory") || strings.Contains(lower, "limit"):
		c = Class{
			Type:     "resource",
			Severity: "high",
			LikelyCauses: []string{
				"Out of memory",
				"Quota exceeded",
				"Resource limit",
			},
		}
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404") ||
		strings.Contains(lower, "no such file"):
		c = Class{
			Type:     "not_found",
			Severity: "medium",
			LikelyCauses: []string{
				"File not found",
				"API endpoint changed",
				"Resource deleted",
			},
		}
	default:
		c = Class{
			Type:     "general",
			Severity: "medium",
			LikelyCauses: []string{
				"Unexpected error",
				"Incompatible input",
				"External service issue",
			},
		}
	}

	for _, kw := range causeKeywords {
		if strings.Contains(lower, kw) {
			c.Keywords = append(c.Keywords, kw)
		}
	}
	return c
}

// Suggestions returns recovery guidance for a failure class.
func Suggestions(c Class) []string {
	switch c.Type {
	case "timeout":
		return []string{
			"Increase timeout duration",
			"Check network connectivity",
			"Split document into smaller files",
			"Reduce chunking complexity",
		}
	case "permission":
		return []string{
			"Verify API key is valid",
			"Check file permissions",
			"Ensure service account has required access",
			"Try re-authenticating",
		}
	case "resource":
		return []string{
			"Process large files in batches",
			"Increase available resources",
			"Reduce concurrent operations",
			"Archive older sessions",
		}
	case "not_found":
		return []string{
			"Verify file path is correct",
			"Check if resource still exists",
			"Try re-uploading the file",
			"Check API documentation for updates",
		}
	default:
		return []string{
			"Check error logs for details",
			"Try running process again",
			"Restart the service",
			"Contact support with error message",
		}
	}
}

// Advisor is the default resolver. It classifies the cause, recovers
// transient classes with a single retry, and fails the rest with guidance
// attached.
type Advisor struct {
	logger *zap.Logger
}

// NewAdvisor creates the default resolver.
func NewAdvisor(logger *zap.Logger) *Advisor {
	return &Advisor{logger: logger}
}

// Resolve classifies the failure and decides whether the step is worth
// retrying. It never returns an error; an unrecoverable cause is a valid
// resolution, not a resolver failure.
func (a *Advisor) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	class := Classify(req.Cause)
	suggestions := Suggestions(class)

	a.logger.Info("failure classified",
		zap.String("task", req.Task.TaskID),
		zap.String("step", req.Step),
		zap.String("type", class.Type),
		zap.String("severity", class.Severity))

	res := &Resolution{
		Analysis:    analysisLine(class),
		Suggestions: suggestions,
	}
	if class.Transient() {
		res.Recovered = true
		res.Action = ActionRetry
	}
	return res, nil
}

func analysisLine(c Class) string {
	line := c.Type + " failure (" + c.Severity + " severity)"
	if len(c.LikelyCauses) > 0 {
		line += ": " + strings.Join(c.LikelyCauses, "; ")
	}
	return line
}
