// Package retrieve answers queries against the embedding spaces. The
// text path supports dense, BM25, and fused ranking; the media paths
// are cross-modal, encoding the query with the target space's encoder
// and filling hits from the docstore.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/docstore"
	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/embed"
	"github.com/tesserai/tessera/engine/semantic"
	"github.com/tesserai/tessera/pkg/metrics"
)

// Mode selects how the text retriever ranks.
type Mode string

const (
	ModeVectorOnly Mode = "vector_only"
	ModeBM25Only   Mode = "bm25_only"
	ModeFusion     Mode = "fusion"
)

// ParseMode converts a config or request string to a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeVectorOnly, ModeBM25Only, ModeFusion:
		return m, nil
	}
	return "", domain.NewValidationError("mode", s, domain.ErrInvalidQuery)
}

// Postprocessor reorders scored hits after retrieval, typically a
// reranker.
type Postprocessor interface {
	Postprocess(ctx context.Context, hits []domain.Scored, query string, topK int) ([]domain.Scored, error)
}

// Deps holds the engine's dependencies. Rerank is optional.
type Deps struct {
	Config   config.Retrieve
	Embedder *embed.Manager
	Vectors  *semantic.Manager
	Docs     *docstore.Manager
	Rerank   Postprocessor
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Engine runs queries. It only reads the stores; the ingest pipeline
// owns all writes.
type Engine struct {
	cfg     config.Retrieve
	embed   *embed.Manager
	vectors *semantic.Manager
	docs    *docstore.Manager
	rerank  Postprocessor
	log     *slog.Logger

	queriesTotal func(kind string) *metrics.Counter
	querySeconds *metrics.Histogram
}

// New builds an Engine from deps.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.New()
	}
	return &Engine{
		cfg:     deps.Config,
		embed:   deps.Embedder,
		vectors: deps.Vectors,
		docs:    deps.Docs,
		rerank:  deps.Rerank,
		log:     logger,
		queriesTotal: func(kind string) *metrics.Counter {
			return met.Counter(metrics.WithLabels("retrieve_queries_total", "kind", kind),
				"queries served by kind")
		},
		querySeconds: met.Histogram("retrieve_query_seconds", "query latency", nil),
	}
}

// DefaultMode returns the configured text retrieval mode, falling back
// to vector-only when the config value does not parse.
func (e *Engine) DefaultMode() Mode {
	m, err := ParseMode(e.cfg.Mode)
	if err != nil {
		return ModeVectorOnly
	}
	return m
}

// Retrieve is the generic single-string entry point: a text query
// against the given modality's space. Audio and video have no
// single-string contract; their callers must pick one of the dedicated
// cross-modal entry points.
func (e *Engine) Retrieve(ctx context.Context, mod domain.Modality, query string, topK int) ([]domain.Scored, error) {
	switch mod {
	case domain.ModalityText:
		return e.TextToText(ctx, query, topK, e.DefaultMode())
	case domain.ModalityImage:
		return e.TextToImage(ctx, query, topK)
	case domain.ModalityAudio, domain.ModalityVideo:
		return nil, fmt.Errorf("retrieve: %s: %w", mod, domain.ErrSyncRetrieve)
	}
	return nil, fmt.Errorf("retrieve: %s: %w", mod, domain.ErrUnknownModality)
}

// TextToText retrieves text chunks for a text query in the given mode.
func (e *Engine) TextToText(ctx context.Context, query string, topK int, mode Mode) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("text_text").Inc()

	if err := validate(query, topK); err != nil {
		return nil, err
	}

	var hits []domain.Scored
	var err error
	switch mode {
	case ModeVectorOnly:
		hits, err = e.vectorTextSearch(ctx, domain.ModalityText, query, topK, nil)
	case ModeBM25Only:
		hits, err = e.bm25Search(ctx, query, topK)
	case ModeFusion:
		hits, err = e.fusionSearch(ctx, query, topK)
	default:
		return nil, domain.NewValidationError("mode", string(mode), domain.ErrInvalidQuery)
	}
	if err != nil {
		return nil, err
	}

	if e.rerank != nil {
		hits, err = e.rerank.Postprocess(ctx, hits, query, topK)
		if err != nil {
			return nil, fmt.Errorf("retrieve: rerank: %w", err)
		}
	}
	e.log.Debug("text query served", "mode", mode, "hits", len(hits))
	return hits, nil
}

// vectorTextSearch embeds the query into mod's space and runs kNN.
func (e *Engine) vectorTextSearch(ctx context.Context, mod domain.Modality, query string, topK int, filters map[string]string) ([]domain.Scored, error) {
	vec, err := e.embed.EncodeQueryText(ctx, mod, query)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	return e.vectorSearch(ctx, mod, vec, topK, filters)
}

// vectorSearch runs kNN with a prepared vector.
func (e *Engine) vectorSearch(ctx context.Context, mod domain.Modality, vector []float32, topK int, filters map[string]string) ([]domain.Scored, error) {
	store, err := e.vectors.Store(mod)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	hits, err := store.Query(ctx, vector, topK, filters)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	return hits, nil
}

// bm25Search ranks the text docstore corpus by keyword relevance. An
// empty corpus yields an empty result, not an error.
func (e *Engine) bm25Search(ctx context.Context, query string, topK int) ([]domain.Scored, error) {
	store, err := e.docs.Store(domain.ModalityText)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	nodes, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve: bm25 corpus: %w", err)
	}
	if len(nodes) == 0 {
		e.log.Warn("bm25 over empty docstore")
		return nil, nil
	}
	return newBM25Index(nodes).search(query, topK), nil
}

// fusionSearch runs the dense and keyword arms and combines scores per
// node id as lambda_v*vector + lambda_b*bm25, a missing side counting
// as zero. The result is the topK by fused score, ties by id.
func (e *Engine) fusionSearch(ctx context.Context, query string, topK int) ([]domain.Scored, error) {
	vecHits, err := e.vectorTextSearch(ctx, domain.ModalityText, query, topK, nil)
	if err != nil {
		return nil, err
	}
	bmK := topK
	if e.cfg.BM25TopK > bmK {
		bmK = e.cfg.BM25TopK
	}
	bmHits, err := e.bm25Search(ctx, query, bmK)
	if err != nil {
		return nil, err
	}

	type arm struct {
		node   domain.Node
		vec    float64
		bm     float64
	}
	byID := make(map[string]*arm, len(vecHits)+len(bmHits))
	for _, h := range vecHits {
		byID[h.Node.ID] = &arm{node: h.Node, vec: h.Score}
	}
	for _, h := range bmHits {
		if a, ok := byID[h.Node.ID]; ok {
			a.bm = h.Score
			continue
		}
		byID[h.Node.ID] = &arm{node: h.Node, bm: h.Score}
	}

	fused := make([]domain.Scored, 0, len(byID))
	for _, a := range byID {
		fused = append(fused, domain.Scored{
			Node:  a.node,
			Score: e.cfg.FusionLambdaVector*a.vec + e.cfg.FusionLambdaBM25*a.bm,
		})
	}
	sortHits(fused)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

// fill replaces each hit's payload-reconstructed node with the
// docstore record when one exists. storeMod names the docstore space
// the hits were committed to.
func (e *Engine) fill(ctx context.Context, storeMod domain.Modality, hits []domain.Scored) []domain.Scored {
	store, err := e.docs.Store(storeMod)
	if err != nil {
		return hits
	}
	for i, h := range hits {
		n, err := store.Get(ctx, h.Node.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				e.log.Warn("docstore fill failed", "id", h.Node.ID, "error", err)
			}
			continue
		}
		hits[i].Node = n
	}
	return hits
}

func validate(query string, topK int) error {
	if strings.TrimSpace(query) == "" {
		return domain.NewValidationError("query", query, domain.ErrInvalidQuery)
	}
	if topK <= 0 {
		return fmt.Errorf("retrieve: top_k %d: %w", topK, domain.ErrInvalidTopK)
	}
	return nil
}

func validatePath(path string, topK int) error {
	if strings.TrimSpace(path) == "" {
		return domain.NewValidationError("path", path, domain.ErrInvalidQuery)
	}
	if topK <= 0 {
		return fmt.Errorf("retrieve: top_k %d: %w", topK, domain.ErrInvalidTopK)
	}
	return nil
}
