// Package lineage records task provenance in Neo4j: one Task node per task
// and a NEXT-chained StepRun node per completed step. The graph answers
// where an exported agent's configuration came from.
package lineage

import (
	"context"
	"fmt"

	"github.com/forgelab/agentforge/internal/task"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Recorder is a status sink backed by a Neo4j driver.
type Recorder struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates a recorder.
func New(uri, user, password string, logger *zap.Logger) (*Recorder, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Recorder{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (r *Recorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Recorder) Name() string { return "lineage" }

// OnTransition merges the task node and its step chain. MERGE keys keep the
// write idempotent, so log-only commits cost an update without duplicating
// nodes.
func (r *Recorder) OnTransition(ctx context.Context, v task.View) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (t:Task {id: $id})
		 SET t.status = $status, t.current_step = $currentStep,
		     t.document = $document, t.error = $error,
		     t.updated_at = datetime()`,
		map[string]interface{}{
			"id":          v.TaskID,
			"status":      string(v.Status),
			"currentStep": v.CurrentStep,
			"document":    v.DocumentName,
			"error":       v.Error,
		})
	if err != nil {
		return fmt.Errorf("merge task node: %w", err)
	}

	if len(v.StepsCompleted) == 0 {
		return nil
	}

	steps := make([]interface{}, len(v.StepsCompleted))
	for i, name := range v.StepsCompleted {
		steps[i] = map[string]interface{}{"name": name, "position": i}
	}
	_, err = session.Run(ctx,
		`MATCH (t:Task {id: $id})
		 UNWIND $steps AS s
		 MERGE (r:StepRun {task_id: $id, name: s.name, position: s.position})
		 ON CREATE SET r.recorded_at = datetime()
		 MERGE (t)-[:RAN]->(r)`,
		map[string]interface{}{"id": v.TaskID, "steps": steps})
	if err != nil {
		return fmt.Errorf("merge step nodes: %w", err)
	}

	if len(v.StepsCompleted) > 1 {
		pairs := make([]interface{}, 0, len(v.StepsCompleted)-1)
		for i := 1; i < len(v.StepsCompleted); i++ {
			pairs = append(pairs, map[string]interface{}{"from": i - 1, "to": i})
		}
		_, err = session.Run(ctx,
			`UNWIND $pairs AS p
			 MATCH (a:StepRun {task_id: $id, position: p.from})
			 MATCH (b:StepRun {task_id: $id, position: p.to})
			 MERGE (a)-[:NEXT]->(b)`,
			map[string]interface{}{"id": v.TaskID, "pairs": pairs})
		if err != nil {
			return fmt.Errorf("chain step nodes: %w", err)
		}
	}

	return nil
}
