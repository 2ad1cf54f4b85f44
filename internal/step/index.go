package step

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/forgelab/agentforge/internal/analyze"
	"go.uber.org/zap"
)

// Whitespace chunking bounds for document indexing.
const (
	MaxTokensPerChunk = 200
	OverlapTokens     = 20
)

// Indexer stores document chunks for later retrieval. The vector-backed
// implementation lives in internal/vectorindex.
type Indexer interface {
	IndexChunks(ctx context.Context, collection string, chunks []string, meta map[string]string) (int, error)
}

// Index chunks the extracted document text, pushes the chunks into the
// vector index, and validates that the document is sufficient for the
// requested agent. Analyzer failures degrade to a heuristic score rather
// than failing the task.
type Index struct {
	indexer  Indexer
	analyzer analyze.Analyzer
	logger   *zap.Logger
}

// NewIndex creates the index step.
func NewIndex(indexer Indexer, analyzer analyze.Analyzer, logger *zap.Logger) *Index {
	return &Index{indexer: indexer, analyzer: analyzer, logger: logger}
}

func (s *Index) Name() string { return "index" }

// Run indexes the document and scores its sufficiency.
func (s *Index) Run(ctx context.Context, sc *Context) (*Result, error) {
	ref := sc.String("document_ref")
	if ref == "" {
		ref = sc.DocumentPath
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	text := ExtractText(data, sc.String("file_type"))

	chunks := ChunkWhitespace(text, MaxTokensPerChunk, OverlapTokens)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document produced no chunks")
	}

	indexRef := "kb_" + sc.TaskID
	count, err := s.indexer.IndexChunks(ctx, indexRef, chunks, map[string]string{
		"task_id":  sc.TaskID,
		"document": sc.DocumentName,
	})
	if err != nil {
		return nil, fmt.Errorf("index %d chunks: %w", len(chunks), err)
	}

	report, err := s.analyzer.Analyze(ctx, sc.Instructions, text)
	if err != nil {
		s.logger.Warn("sufficiency analysis degraded",
			zap.String("task", sc.TaskID), zap.Error(err))
		report = analyze.HeuristicReport(sc.Instructions, text)
	}

	return &Result{
		Output: map[string]interface{}{
			"index_ref":         indexRef,
			"chunk_count":       count,
			"sufficiency_score": report.Score,
			"is_sufficient":     report.Sufficient,
			"key_topics":        report.Topics,
		},
		Message: fmt.Sprintf("indexed %d chunks, sufficiency %d/100", count, report.Score),
	}, nil
}

// ChunkWhitespace splits text on whitespace into chunks of at most maxTokens
// tokens, with the last overlap tokens of each chunk repeated at the start of
// the next so retrieval does not lose context at boundaries.
func ChunkWhitespace(text string, maxTokens, overlap int) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = MaxTokensPerChunk
	}
	if overlap < 0 || overlap >= maxTokens {
		overlap = 0
	}

	var chunks []string
	step := maxTokens - overlap
	for start := 0; start < len(tokens); start += step {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
