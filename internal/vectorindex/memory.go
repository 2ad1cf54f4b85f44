package vectorindex

import (
	"context"
	"sync"
)

// Chunk is one stored piece of document text.
type Chunk struct {
	Text string
	Meta map[string]string
}

// Memory is an in-process index with the same surface as the Qdrant client.
// It keeps the raw chunk text; nothing in the pipeline needs similarity
// search, only storage and counting.
type Memory struct {
	mu    sync.RWMutex
	colls map[string][]Chunk
}

// NewMemory creates an empty in-process index.
func NewMemory() *Memory {
	return &Memory{colls: make(map[string][]Chunk)}
}

// IndexChunks appends the chunks to the collection.
func (m *Memory) IndexChunks(ctx context.Context, collection string, chunks []string, meta map[string]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, text := range chunks {
		mc := make(map[string]string, len(meta))
		for k, v := range meta {
			mc[k] = v
		}
		m.colls[collection] = append(m.colls[collection], Chunk{Text: text, Meta: mc})
	}
	return len(chunks), nil
}

// Count returns the number of stored chunks in a collection.
func (m *Memory) Count(ctx context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.colls[collection]), nil
}

// DeleteCollection drops a collection.
func (m *Memory) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.colls, name)
	return nil
}
