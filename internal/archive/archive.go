// Package archive keeps a housekeeping record of finished tasks in
// PostgreSQL. The pipeline never reads it back; restarts start empty. It
// exists for external reporting and cleanup tooling.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgelab/agentforge/internal/task"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Sink writes one row per task that reaches a terminal state.
type Sink struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects a pgx pool to the archive database.
func New(dsn string, logger *zap.Logger) (*Sink, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Sink{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Sink) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

func (s *Sink) Name() string { return "archive" }

// OnTransition archives terminal transitions and ignores the rest.
func (s *Sink) OnTransition(ctx context.Context, v task.View) error {
	if !v.Status.Terminal() {
		return nil
	}

	cfg, err := json.Marshal(v.AgentConfig)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO task_archive
		   (task_id, status, steps_completed, error, agent_config, document_name, log_count, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (task_id) DO NOTHING`,
		v.TaskID, string(v.Status), v.StepsCompleted, v.Error, cfg,
		v.DocumentName, len(v.Logs), v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", v.TaskID, err)
	}

	s.logger.Debug("task archived",
		zap.String("task", v.TaskID),
		zap.String("status", string(v.Status)))
	return nil
}

// Close shuts down the connection pool.
func (s *Sink) Close() {
	s.db.Close()
}
