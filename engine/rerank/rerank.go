// Package rerank reorders retrieval hits with a relevance model. The
// manager wraps one pluggable backend and carries the configured top_n;
// each Postprocess call temporarily overrides top_n with the caller's
// top_k and restores it on every exit path.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/domain"
)

// Providers the factory recognizes.
const (
	ProviderCohere = "cohere"
	ProviderMock   = "mock"
)

// Ranked is one backend result: the index of the input document and
// its relevance score.
type Ranked struct {
	Index int
	Score float64
}

// Backend scores docs against a query and returns the topN most
// relevant, best first.
type Backend interface {
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]Ranked, error)
}

// Manager applies a rerank backend to scored hits. The mutex
// serializes calls; the top_n override window spans the backend call.
type Manager struct {
	backend  Backend
	provider string
	model    string
	log      *slog.Logger

	mu   sync.Mutex
	topN int
}

// New builds a Manager for the configured provider. Credentials come
// from the environment, never from config.
func New(cfg config.Rerank, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var backend Backend
	switch cfg.Provider {
	case ProviderCohere:
		key := os.Getenv("COHERE_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("rerank: provider %s requires COHERE_API_KEY", cfg.Provider)
		}
		backend = newCohereBackend(cfg.URL, key, cfg.Model)
	case ProviderMock:
		backend = mockBackend{}
	default:
		return nil, fmt.Errorf("rerank: provider %q: %w", cfg.Provider, domain.ErrUnsupportedProvider)
	}
	topN := cfg.TopK
	if topN <= 0 {
		topN = 5
	}
	return &Manager{
		backend:  backend,
		provider: cfg.Provider,
		model:    cfg.Model,
		log:      logger,
		topN:     topN,
	}, nil
}

// NewWithBackend wires an explicit backend, used by tests.
func NewWithBackend(backend Backend, topN int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, provider: ProviderMock, log: logger, topN: topN}
}

// TopN returns the currently effective top_n.
func (m *Manager) TopN() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topN
}

// Health names the active backend.
func (m *Manager) Health() string {
	if m.model == "" {
		return m.provider
	}
	return m.provider + "/" + m.model
}

// Postprocess reranks hits by their text against the query. Scores are
// replaced with the backend's relevance scores and at most topK hits
// come back.
func (m *Manager) Postprocess(ctx context.Context, hits []domain.Scored, query string, topK int) ([]domain.Scored, error) {
	if len(hits) == 0 {
		return hits, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.topN
	if topK > 0 {
		m.topN = topK
	}
	defer func() { m.topN = prev }()

	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Node.Text
	}
	ranked, err := m.backend.Rerank(ctx, query, docs, m.topN)
	if err != nil {
		return nil, fmt.Errorf("rerank: %s: %w", m.provider, err)
	}

	out := make([]domain.Scored, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(hits) {
			return nil, fmt.Errorf("rerank: %s: result index %d out of range", m.provider, r.Index)
		}
		out = append(out, domain.Scored{Node: hits[r.Index].Node, Score: r.Score})
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	m.log.Debug("hits reranked", "in", len(hits), "out", len(out))
	return out, nil
}
