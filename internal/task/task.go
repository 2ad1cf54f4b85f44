package task

import "time"

// Status tracks a task's position in the pipeline lifecycle.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingFallback Status = "awaiting_fallback"
	StatusComplete         Status = "complete"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions can leave this status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Log severity levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
)

// LogEntry is one timestamped line in a task's processing trail.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Step    string    `json:"step,omitempty"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Progress summarizes step completion for a task.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Document describes the uploaded file a task operates on.
type Document struct {
	Name string
	Path string
	Size int64
}

// Record is the mutable per-task state. It is owned by the Store and must
// only be mutated inside Store.Update; everything outside the store works
// with View snapshots.
type Record struct {
	ID             string
	Status         Status
	CurrentStep    string
	Steps          []string
	StepsCompleted []string
	Logs           []LogEntry
	AgentConfig    map[string]interface{}
	Error          string
	Instructions   string
	Document       Document
	CreatedAt      time.Time
	UpdatedAt      time.Time

	owners map[string]string // agent config key -> step that introduced it
}

// AddLog appends a log entry to the record's trail.
func (r *Record) AddLog(step, level, message string) {
	r.Logs = append(r.Logs, LogEntry{
		Time:    time.Now(),
		Step:    step,
		Level:   level,
		Message: message,
	})
}

// CompleteStep appends the step to the completed sequence, merges its output
// into the agent config under that step's key ownership, and returns any keys
// rejected because another step introduced them first.
func (r *Record) CompleteStep(step string, output map[string]interface{}) []string {
	r.StepsCompleted = append(r.StepsCompleted, step)
	return r.MergeOutput(step, output)
}

// MergeOutput merges step output into the agent config. The first step to
// write a key owns it; writes to another step's key are rejected.
func (r *Record) MergeOutput(step string, output map[string]interface{}) []string {
	if len(output) == 0 {
		return nil
	}
	if r.AgentConfig == nil {
		r.AgentConfig = make(map[string]interface{})
	}
	if r.owners == nil {
		r.owners = make(map[string]string)
	}
	var rejected []string
	for k, v := range output {
		owner, claimed := r.owners[k]
		if claimed && owner != step {
			rejected = append(rejected, k)
			continue
		}
		r.owners[k] = step
		r.AgentConfig[k] = v
	}
	return rejected
}

// View is an immutable whole-record snapshot handed to clients, subscribers,
// and step collaborators. Progress is derived from the completed sequence at
// snapshot time so it can never drift from stepsCompleted.
type View struct {
	TaskID         string                 `json:"task_id"`
	Status         Status                 `json:"status"`
	CurrentStep    string                 `json:"current_step"`
	StepsCompleted []string               `json:"steps_completed"`
	Progress       Progress               `json:"progress"`
	Logs           []LogEntry             `json:"logs"`
	AgentConfig    map[string]interface{} `json:"agent_config,omitempty"`
	Error          string                 `json:"error,omitempty"`
	DocumentName   string                 `json:"document_name"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`

	// Pipeline-internal fields, not part of the client payload.
	Instructions string `json:"-"`
	DocumentPath string `json:"-"`
	DocumentSize int64  `json:"-"`
}

// snapshot deep-copies the record into a View.
func snapshot(r *Record) View {
	v := View{
		TaskID:         r.ID,
		Status:         r.Status,
		CurrentStep:    r.CurrentStep,
		StepsCompleted: append([]string(nil), r.StepsCompleted...),
		Logs:           append([]LogEntry(nil), r.Logs...),
		AgentConfig:    copyConfig(r.AgentConfig),
		Error:          r.Error,
		DocumentName:   r.Document.Name,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Instructions:   r.Instructions,
		DocumentPath:   r.Document.Path,
		DocumentSize:   r.Document.Size,
	}
	v.Progress = Progress{
		Completed: len(r.StepsCompleted),
		Total:     len(r.Steps),
	}
	if v.Progress.Total > 0 {
		v.Progress.Percentage = v.Progress.Completed * 100 / v.Progress.Total
	}
	return v
}

// copyConfig deep-copies maps and slices so snapshots never alias record state.
func copyConfig(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyConfig(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
