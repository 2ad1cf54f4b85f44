package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/forgelab/agentforge/internal/analyze"
	"github.com/forgelab/agentforge/internal/archive"
	"github.com/forgelab/agentforge/internal/fallback"
	"github.com/forgelab/agentforge/internal/lineage"
	"github.com/forgelab/agentforge/internal/pipeline"
	"github.com/forgelab/agentforge/internal/status"
	"github.com/forgelab/agentforge/internal/step"
	"github.com/forgelab/agentforge/internal/stream"
	"github.com/forgelab/agentforge/internal/task"
	"github.com/forgelab/agentforge/internal/upload"
	"github.com/forgelab/agentforge/internal/vectorindex"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger   *zap.Logger
	testArchive  *archive.Sink
	testLineage  *lineage.Recorder
	testMirror   *stream.Mirror
	testPG       *pgVerifier
	testGraph    *graphVerifier
	testRedisURL string
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("agentforge_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// stack is a fully wired in-process server core: store, hub with all backend
// sinks attached, upload dir and pipeline engine over the real steps.
type stack struct {
	store   *task.Store
	hub     *status.Hub
	engine  *pipeline.Engine
	uploads *upload.Store
	dir     string
}

func newStack(t *testing.T) *stack {
	t.Helper()

	store := task.NewStore(testLogger)
	hub := status.NewHub(store, testLogger)
	store.OnCommit(hub.Publish)

	dir := filepath.Join(t.TempDir(), "uploads")
	uploads, err := upload.NewStore(dir, testLogger)
	if err != nil {
		t.Fatalf("upload store: %v", err)
	}

	hub.RegisterSink(upload.NewJanitor(uploads, testLogger))
	hub.RegisterSink(testArchive)
	hub.RegisterSink(testLineage)
	hub.RegisterSink(testMirror)

	steps := []step.Runner{
		step.NewDecision(testLogger),
		step.NewParse(testLogger),
		step.NewIndex(vectorindex.NewMemory(), analyze.NewHeuristic(), testLogger),
		step.NewConfigure(testLogger),
	}
	engine := pipeline.NewEngine(store, steps, fallback.NewAdvisor(testLogger),
		pipeline.Timeouts{}, 4, testLogger)

	return &stack{store: store, hub: hub, engine: engine, uploads: uploads, dir: dir}
}

func (s *stack) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.engine.Shutdown(ctx); err != nil {
		t.Errorf("engine shutdown: %v", err)
	}
	s.hub.Close()
}

// submit uploads a document blob, creates the task record and starts the
// pipeline, mirroring what the HTTP submit handler does.
func (s *stack) submit(t *testing.T, id, filename, content, instructions string) string {
	t.Helper()
	path := filepath.Join(s.dir, id+"_"+filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}
	s.store.Create(task.CreateParams{
		ID:           id,
		Instructions: instructions,
		Document:     task.Document{Name: filename, Path: path, Size: int64(len(content))},
		Steps:        s.engine.StepNames(),
	})
	if _, err := s.engine.Start(id); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	return path
}

// follow collects every committed view for the task until a terminal one.
func (s *stack) follow(t *testing.T, id string) []task.View {
	t.Helper()
	sub, err := s.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe %s: %v", id, err)
	}
	defer sub.Close()

	var views []task.View
	timeout := time.After(15 * time.Second)
	for {
		select {
		case v, ok := <-sub.Updates():
			if !ok {
				return views
			}
			views = append(views, v)
		case <-timeout:
			t.Fatalf("task %s did not reach a terminal state", id)
		}
	}
}

// eventually polls the condition until it returns nil or the deadline passes.
// Backend sinks deliver asynchronously, so database assertions need a window.
func eventually(t *testing.T, timeout time.Duration, check func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		if last = check(); last == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("condition not met after %v: %v", timeout, last)
}

// skipIfNoQdrant skips the test unless AGENTFORGE_TEST_QDRANT is set to a
// reachable host:port gRPC endpoint.
func skipIfNoQdrant(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("AGENTFORGE_TEST_QDRANT")
	if addr == "" {
		t.Skip("skipping: AGENTFORGE_TEST_QDRANT not set")
	}
	return addr
}

// pgVerifier reads archive rows back with its own connection, independent of
// the sink under test.
type pgVerifier struct {
	pool *pgxpool.Pool
}

type archiveRow struct {
	Status         string
	StepsCompleted []string
	Error          string
	DocumentName   string
	LogCount       int
}

func newPGVerifier(ctx context.Context, dsn string) (*pgVerifier, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &pgVerifier{pool: pool}, nil
}

func (p *pgVerifier) row(ctx context.Context, taskID string) (archiveRow, error) {
	var r archiveRow
	err := p.pool.QueryRow(ctx,
		`SELECT status, steps_completed, error, document_name, log_count
		   FROM task_archive WHERE task_id = $1`, taskID).
		Scan(&r.Status, &r.StepsCompleted, &r.Error, &r.DocumentName, &r.LogCount)
	return r, err
}

func (p *pgVerifier) close() { p.pool.Close() }

// graphVerifier reads the lineage graph back with its own driver.
type graphVerifier struct {
	driver neo4j.DriverWithContext
}

func newGraphVerifier(uri string) (*graphVerifier, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.NoAuth())
	if err != nil {
		return nil, err
	}
	return &graphVerifier{driver: driver}, nil
}

func (g *graphVerifier) taskStatus(ctx context.Context, taskID string) (string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (t:Task {id: $id}) RETURN t.status AS status`,
		map[string]interface{}{"id": taskID})
	if err != nil {
		return "", err
	}
	rec, err := result.Single(ctx)
	if err != nil {
		return "", err
	}
	status, _ := rec.Get("status")
	s, ok := status.(string)
	if !ok {
		return "", fmt.Errorf("status is %T, not string", status)
	}
	return s, nil
}

// stepChain returns the number of StepRun nodes and NEXT hops for the task.
func (g *graphVerifier) stepChain(ctx context.Context, taskID string) (runs, hops int64, err error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Task {id: $id})-[:RAN]->(r:StepRun)
		 OPTIONAL MATCH (r)-[n:NEXT]->(:StepRun)
		 RETURN count(DISTINCT r) AS runs, count(n) AS hops`,
		map[string]interface{}{"id": taskID})
	if err != nil {
		return 0, 0, err
	}
	rec, err := result.Single(ctx)
	if err != nil {
		return 0, 0, err
	}
	r, _ := rec.Get("runs")
	h, _ := rec.Get("hops")
	return r.(int64), h.(int64), nil
}

func (g *graphVerifier) close(ctx context.Context) { g.driver.Close(ctx) }
