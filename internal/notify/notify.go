// Package notify posts a one-line summary to chat channels when a task
// finishes. Both sinks are send-only; nothing flows back into the pipeline.
package notify

import (
	"fmt"

	"github.com/forgelab/agentforge/internal/task"
)

// Summary renders the terminal-state message shared by all notifiers.
func Summary(v task.View) string {
	switch v.Status {
	case task.StatusComplete:
		agent := ""
		if id, ok := v.AgentConfig["agent_id"].(string); ok && id != "" {
			agent = ", agent " + id
		}
		return fmt.Sprintf("Task %s complete: %d/%d steps%s (document %q)",
			v.TaskID, v.Progress.Completed, v.Progress.Total, agent, v.DocumentName)
	case task.StatusFailed:
		return fmt.Sprintf("Task %s failed after %d/%d steps: %s",
			v.TaskID, v.Progress.Completed, v.Progress.Total, v.Error)
	case task.StatusCancelled:
		return fmt.Sprintf("Task %s cancelled after %d/%d steps",
			v.TaskID, v.Progress.Completed, v.Progress.Total)
	default:
		return fmt.Sprintf("Task %s: %s", v.TaskID, v.Status)
	}
}
