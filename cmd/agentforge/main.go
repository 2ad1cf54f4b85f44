package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgelab/agentforge/internal/analyze"
	"github.com/forgelab/agentforge/internal/api"
	"github.com/forgelab/agentforge/internal/archive"
	"github.com/forgelab/agentforge/internal/config"
	"github.com/forgelab/agentforge/internal/embedding"
	"github.com/forgelab/agentforge/internal/export"
	"github.com/forgelab/agentforge/internal/fallback"
	"github.com/forgelab/agentforge/internal/lineage"
	"github.com/forgelab/agentforge/internal/notify"
	"github.com/forgelab/agentforge/internal/pipeline"
	"github.com/forgelab/agentforge/internal/status"
	"github.com/forgelab/agentforge/internal/step"
	"github.com/forgelab/agentforge/internal/stream"
	"github.com/forgelab/agentforge/internal/task"
	"github.com/forgelab/agentforge/internal/upload"
	"github.com/forgelab/agentforge/internal/vectorindex"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting AgentForge...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agentforge.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	backends := map[string]bool{
		"qdrant": false, "postgres": false, "neo4j": false,
		"redis": false, "slack": false, "discord": false,
		"analyzer_llm": false,
	}

	// Task record store and status hub
	store := task.NewStore(logger)
	hub := status.NewHub(store, logger)
	store.OnCommit(hub.Publish)

	// Upload area
	uploads, err := upload.NewStore(cfg.Submission.UploadDir, logger)
	if err != nil {
		logger.Fatal("upload dir unavailable", zap.Error(err))
	}

	// Embedding provider and vector index
	provider := embedding.New(embedding.Config{
		Provider:  cfg.Index.Embedding.Provider,
		Endpoint:  cfg.Index.Embedding.Endpoint,
		Model:     cfg.Index.Embedding.Model,
		APIKey:    cfg.Index.Embedding.APIKey,
		Dimension: cfg.Index.Embedding.Dimension,
	})

	var indexer step.Indexer
	var qdrant *vectorindex.Client
	if cfg.Index.Qdrant.Host != "" {
		qc, qErr := vectorindex.NewClient(vectorindex.Config{
			Host: cfg.Index.Qdrant.Host,
			Port: cfg.Index.Qdrant.Port,
		}, provider, logger)
		if qErr != nil {
			logger.Warn("Qdrant unavailable, using in-memory index", zap.Error(qErr))
		} else {
			qdrant = qc
			indexer = qc
			backends["qdrant"] = true
		}
	}
	if indexer == nil {
		indexer = vectorindex.NewMemory()
	}

	// Sufficiency analyzer
	var analyzer analyze.Analyzer = analyze.NewHeuristic()
	if cfg.Analyzer.Provider == "llm" && cfg.Analyzer.Endpoint != "" {
		analyzer = analyze.NewLLM(analyze.LLMConfig{
			Endpoint: cfg.Analyzer.Endpoint,
			Model:    cfg.Analyzer.Model,
			APIKey:   cfg.Analyzer.APIKey,
		}, logger)
		backends["analyzer_llm"] = true
	}

	// Pipeline steps in execution order
	steps := []step.Runner{
		step.NewDecision(logger),
		step.NewParse(logger),
		step.NewIndex(indexer, analyzer, logger),
		step.NewConfigure(logger),
	}

	engine := pipeline.NewEngine(store, steps, fallback.NewAdvisor(logger),
		pipeline.Timeouts{
			Step:     time.Duration(cfg.Pipeline.StepTimeoutSec) * time.Second,
			Fallback: time.Duration(cfg.Pipeline.FallbackTimeoutSec) * time.Second,
		},
		cfg.Pipeline.MaxParallelTasks, logger)

	// Upload janitor always runs; the rest of the sinks are optional.
	hub.RegisterSink(upload.NewJanitor(uploads, logger))

	var archiveSink *archive.Sink
	if cfg.Database.Postgres.DSN != "" {
		as, aErr := archive.New(cfg.Database.Postgres.DSN, logger)
		if aErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(aErr))
		} else {
			dir := cfg.Database.Postgres.MigrationsDir
			if dir == "" {
				dir = "migrations"
			}
			if mErr := as.Migrate(context.Background(), dir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			archiveSink = as
			hub.RegisterSink(as)
			backends["postgres"] = true
		}
	}

	var lineageRec *lineage.Recorder
	if cfg.Database.Neo4j.URI != "" {
		lr, lErr := lineage.New(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if lErr == nil {
			lErr = lr.Ping(context.Background())
		}
		if lErr != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(lErr))
		} else {
			lineageRec = lr
			hub.RegisterSink(lr)
			backends["neo4j"] = true
		}
	}

	var mirror *stream.Mirror
	if cfg.Database.Redis.URL != "" {
		sm, sErr := stream.New(cfg.Database.Redis.URL, logger)
		if sErr != nil {
			logger.Warn("Redis unavailable, running without stream mirror", zap.Error(sErr))
		} else {
			mirror = sm
			hub.RegisterSink(sm)
			backends["redis"] = true
		}
	}

	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		hub.RegisterSink(notify.NewSlack(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
		backends["slack"] = true
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		dn, dErr := notify.NewDiscord(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable, running without notifications", zap.Error(dErr))
		} else {
			hub.RegisterSink(dn)
			backends["discord"] = true
		}
	}

	maxBytes := cfg.Submission.MaxUploadMB
	if maxBytes <= 0 {
		maxBytes = 100
	}
	maxBytes *= 1 << 20

	// Build HTTP handler
	handler := api.NewHandler(store, engine, hub, export.NewGenerator(logger),
		uploads, maxBytes, version, backends, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("AgentForge listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down AgentForge...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := engine.Shutdown(ctx); err != nil {
		logger.Warn("pipelines still running at shutdown", zap.Error(err))
	}
	hub.Close()
	if archiveSink != nil {
		archiveSink.Close()
	}
	if lineageRec != nil {
		lineageRec.Close(context.Background())
	}
	if mirror != nil {
		mirror.Close()
	}
	if qdrant != nil {
		qdrant.Close()
	}
}
