// Package export renders a completed task's agent configuration into
// portable formats. Rendering reads only the committed view; it never
// touches the stored document or the live record.
package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Format selects an export rendering.
type Format string

const (
	// FormatJSON is the agent configuration wrapped in an export envelope.
	FormatJSON Format = "json"
	// FormatWorkflowGraph is a node/connection workflow document suitable
	// for automation tools.
	FormatWorkflowGraph Format = "workflow-graph"
	// FormatStructuredConfig is a knowledge-base registration document in
	// YAML.
	FormatStructuredConfig Format = "structured-config"
)

var (
	ErrNotReady      = fmt.Errorf("task is not complete")
	ErrUnknownFormat = fmt.Errorf("unknown export format")
)

// Formats lists the supported renderings.
func Formats() []Format {
	return []Format{FormatJSON, FormatWorkflowGraph, FormatStructuredConfig}
}

// Generator renders completed tasks.
type Generator struct {
	logger *zap.Logger
}

// NewGenerator creates a generator.
func NewGenerator(logger *zap.Logger) *Generator {
	return &Generator{logger: logger}
}

// Render produces the payload and content type for a format. Tasks that have
// not completed cannot be rendered.
func (g *Generator) Render(v task.View, format Format) ([]byte, string, error) {
	if v.Status != task.StatusComplete {
		return nil, "", ErrNotReady
	}

	switch format {
	case FormatJSON:
		return g.renderJSON(v)
	case FormatWorkflowGraph:
		return g.renderWorkflowGraph(v)
	case FormatStructuredConfig:
		return g.renderStructuredConfig(v)
	default:
		return nil, "", ErrUnknownFormat
	}
}

func (g *Generator) renderJSON(v task.View) ([]byte, string, error) {
	payload := map[string]interface{}{
		"agent":       v.AgentConfig,
		"export_date": time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal json: %w", err)
	}
	return b, "application/json", nil
}

type workflowNode struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Position   [2]int                 `json:"position"`
	Parameters map[string]interface{} `json:"parameters"`
}

type connectionTarget struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type workflowGraph struct {
	Name        string                                     `json:"name"`
	Description string                                     `json:"description"`
	Nodes       []workflowNode                             `json:"nodes"`
	Connections map[string]map[string][][]connectionTarget `json:"connections"`
	Metadata    map[string]interface{}                     `json:"metadata"`
}

// renderWorkflowGraph lays the run out as a webhook-triggered chain: one
// node per completed step, ending in the agent query node.
func (g *Generator) renderWorkflowGraph(v task.View) ([]byte, string, error) {
	agentID := stringField(v.AgentConfig, "agent_id")
	name := stringField(v.AgentConfig, "agent_name")
	if name == "" {
		name = "Agent " + v.TaskID
	}

	nodes := []workflowNode{{
		Name:     "Trigger",
		Type:     "n8n-nodes-base.webhookTrigger",
		Position: [2]int{100, 100},
		Parameters: map[string]interface{}{
			"path": "agent/" + agentID,
		},
	}}
	x := 350
	for _, s := range v.StepsCompleted {
		nodes = append(nodes, workflowNode{
			Name:     titleCase(s),
			Type:     "n8n-nodes-base.noOp",
			Position: [2]int{x, 100},
			Parameters: map[string]interface{}{
				"step": s,
			},
		})
		x += 250
	}
	nodes = append(nodes, workflowNode{
		Name:     "Agent",
		Type:     "n8n-nodes-base.httpRequest",
		Position: [2]int{x, 100},
		Parameters: map[string]interface{}{
			"method":       "POST",
			"agent_id":     agentID,
			"instructions": v.AgentConfig["instructions"],
			"rag_config":   v.AgentConfig["rag_config"],
			"model_config": v.AgentConfig["model_config"],
		},
	})

	connections := make(map[string]map[string][][]connectionTarget, len(nodes)-1)
	for i := 0; i < len(nodes)-1; i++ {
		connections[nodes[i].Name] = map[string][][]connectionTarget{
			"main": {{{Node: nodes[i+1].Name, Type: "main", Index: 0}}},
		}
	}

	graph := workflowGraph{
		Name:        name,
		Description: "AI Agent: " + name,
		Nodes:       nodes,
		Connections: connections,
		Metadata: map[string]interface{}{
			"agent_id":   agentID,
			"created_at": time.Now().UTC().Format(time.RFC3339),
			"rag_config": v.AgentConfig["rag_config"],
		},
	}

	b, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal workflow graph: %w", err)
	}
	return b, "application/json", nil
}

type kbRegistration struct {
	KnowledgeBaseName string   `yaml:"knowledge_base_name"`
	Source            string   `yaml:"source"`
	Type              string   `yaml:"type"`
	Config            kbConfig `yaml:"config"`
}

type kbConfig struct {
	AgentID      string      `yaml:"agent_id"`
	Instructions interface{} `yaml:"instructions"`
	ModelConfig  interface{} `yaml:"model_config"`
}

// renderStructuredConfig emits the knowledge-base registration document for
// platforms that mount the indexed document as a retrieval source.
func (g *Generator) renderStructuredConfig(v task.View) ([]byte, string, error) {
	source := ""
	if rag, ok := v.AgentConfig["rag_config"].(map[string]interface{}); ok {
		source, _ = rag["knowledge_base"].(string)
	}

	reg := kbRegistration{
		KnowledgeBaseName: stringField(v.AgentConfig, "agent_name"),
		Source:            source,
		Type:              "vector_search",
		Config: kbConfig{
			AgentID:      stringField(v.AgentConfig, "agent_id"),
			Instructions: v.AgentConfig["instructions"],
			ModelConfig:  v.AgentConfig["model_config"],
		},
	}

	b, err := yaml.Marshal(reg)
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal registration: %w", err)
	}
	return b, "application/yaml", nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
