// Package embedding turns document chunks into vectors for the index.
package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config selects and configures a provider.
type Config struct {
	Provider  string `json:"provider"` // "api", "local", or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the configured provider. An empty or unrecognized name selects
// the offline hash provider, so indexing works without any external
// embedding service.
func New(cfg Config) Provider {
	switch cfg.Provider {
	case "api":
		return NewAPI(cfg)
	case "local":
		return NewLocal(cfg)
	default:
		return NewHash(cfg.Dimension)
	}
}
