package step

import (
	"context"

	"github.com/forgelab/agentforge/internal/task"
)

// Context is the immutable input handed to a step run: the submission data
// plus a copy of the agent config accumulated by earlier steps. Collaborators
// read it and return a Result; they never touch the live task record.
type Context struct {
	TaskID       string
	Instructions string
	DocumentName string
	DocumentPath string
	DocumentSize int64
	Config       map[string]interface{}
}

// NewContext builds a step context from a task snapshot.
func NewContext(v task.View) *Context {
	return &Context{
		TaskID:       v.TaskID,
		Instructions: v.Instructions,
		DocumentName: v.DocumentName,
		DocumentPath: v.DocumentPath,
		DocumentSize: v.DocumentSize,
		Config:       v.AgentConfig,
	}
}

// String returns the string value under key, or "" when absent.
func (c *Context) String(key string) string {
	s, _ := c.Config[key].(string)
	return s
}

// Int returns the int value under key, tolerating the float64 that JSON
// round-trips produce, or 0 when absent.
func (c *Context) Int(key string) int {
	switch n := c.Config[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// Result is a step's output: config entries to merge under the step's key
// ownership and a human-readable completion message for the log trail.
type Result struct {
	Output  map[string]interface{}
	Message string
}

// Runner is one named unit of pipeline work. Run must honor ctx cancellation
// and return either a Result or an error; exceeding the engine's per-step
// bound is treated as failure.
type Runner interface {
	Name() string
	Run(ctx context.Context, sc *Context) (*Result, error)
}
