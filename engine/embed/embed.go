// Package embed dispatches embedding work to per-modality backends.
// Each configured (modality, provider, model) triple becomes a
// Container owning one encoder, one space key, and one circuit
// breaker.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/pkg/fn"
	"github.com/tesserai/tessera/pkg/metrics"
	"github.com/tesserai/tessera/pkg/resilience"
)

// Encoder turns inputs into vectors for one embedding space.
// Backends that cannot encode a given input kind return
// ErrTextUnsupported or ErrFilesUnsupported.
type Encoder interface {
	Dim() int
	EncodeTexts(ctx context.Context, texts []string) ([][]float32, error)
	EncodeFiles(ctx context.Context, paths []string) ([][]float32, error)
}

var (
	// ErrTextUnsupported means the backend has no text tower, so
	// cross-modal text queries against its space cannot work.
	ErrTextUnsupported = errors.New("embed: backend does not encode text")
	// ErrFilesUnsupported means the backend only encodes text.
	ErrFilesUnsupported = errors.New("embed: backend does not encode files")
)

// Container binds an encoder to its modality and space.
type Container struct {
	Modality domain.Modality
	Provider string
	Model    string
	Alias    string
	Space    string
	Dim      int

	enc     Encoder
	breaker *resilience.Breaker
	retry   fn.RetryOpts
}

// EncodeTexts embeds texts through the container's breaker, retrying
// transient backend failures.
func (c *Container) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := c.call(ctx, func(ctx context.Context) ([][]float32, error) {
		return c.enc.EncodeTexts(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return out, c.checkDims(out, len(texts))
}

// EncodeFiles embeds media files through the container's breaker,
// retrying transient backend failures.
func (c *Container) EncodeFiles(ctx context.Context, paths []string) ([][]float32, error) {
	out, err := c.call(ctx, func(ctx context.Context) ([][]float32, error) {
		return c.enc.EncodeFiles(ctx, paths)
	})
	if err != nil {
		return nil, err
	}
	return out, c.checkDims(out, len(paths))
}

// call runs one encode through retry and breaker. Retry sits outside
// the breaker so every attempt counts toward its threshold and an
// open circuit ends the attempts immediately.
func (c *Container) call(ctx context.Context, encode func(context.Context) ([][]float32, error)) ([][]float32, error) {
	res := fn.Retry(ctx, c.retry, func(ctx context.Context) fn.Result[[][]float32] {
		var out [][]float32
		err := c.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			out, err = encode(ctx)
			return err
		})
		if err != nil {
			return fn.Err[[][]float32](err)
		}
		return fn.Ok(out)
	})
	return res.Unwrap()
}

// transientEncode keeps retries for backend and transport failures.
// Capability gaps, an open circuit, and canceled contexts are final.
func transientEncode(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, resilience.ErrCircuitOpen):
		return false
	case errors.Is(err, ErrTextUnsupported), errors.Is(err, ErrFilesUnsupported):
		return false
	}
	return true
}

func encodeRetry() fn.RetryOpts {
	opts := fn.DefaultRetry
	opts.RetryIf = transientEncode
	return opts
}

// checkDims guards against backends that answer with the wrong count
// or dimension; the pipeline aborts the batch in that case.
func (c *Container) checkDims(vecs [][]float32, wantCount int) error {
	if len(vecs) != wantCount {
		return fmt.Errorf("embed: %s/%s returned %d vectors for %d inputs: %w",
			c.Provider, c.Model, len(vecs), wantCount, domain.ErrEmbeddingCount)
	}
	for i, v := range vecs {
		if len(v) != c.Dim {
			return fmt.Errorf("embed: %s/%s vector %d has dim %d, want %d: %w",
				c.Provider, c.Model, i, len(v), c.Dim, domain.ErrDimensionMismatch)
		}
	}
	return nil
}

// Manager owns one container per enabled modality.
type Manager struct {
	containers map[domain.Modality]*Container
	batchSize  int
	workers    int
	pace       *resilience.Limiter
	log        *slog.Logger

	embedTotal   func(modality string) *metrics.Counter
	embedSeconds *metrics.Histogram
}

// NewManager builds containers for every enabled modality. An
// unsupported provider fails the build; the caller surfaces it as a
// config error.
func NewManager(cfg config.Embed, batchSize int, logger *slog.Logger, met *metrics.Registry) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if met == nil {
		met = metrics.New()
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}

	m := &Manager{
		containers: make(map[domain.Modality]*Container),
		batchSize:  batchSize,
		workers:    workers,
		log:        logger,
		embedTotal: func(modality string) *metrics.Counter {
			return met.Counter(metrics.WithLabels("embed_inputs_total", "modality", modality),
				"inputs embedded by modality")
		},
		embedSeconds: met.Histogram("embed_batch_seconds", "embedding batch latency", nil),
	}
	if cfg.BatchIntervalMs > 0 {
		m.pace = resilience.NewLimiter(resilience.LimiterOpts{
			Rate:  1000.0 / float64(cfg.BatchIntervalMs),
			Burst: 1,
		})
	}

	for _, mod := range domain.Modalities {
		ref := cfg.ByModality(mod)
		if !ref.Enabled() {
			continue
		}
		enc, err := newEncoder(ref, mod)
		if err != nil {
			return nil, fmt.Errorf("embed: %s: %w", mod, err)
		}
		c := &Container{
			Modality: mod,
			Provider: ref.Provider,
			Model:    ref.Model,
			Alias:    ref.SpaceAlias(),
			Space:    domain.SpaceKey(ref.Provider, ref.SpaceAlias(), mod),
			Dim:      ref.Dim,
			enc:      enc,
			breaker:  resilience.NewBreaker(resilience.DefaultBreakerOpts),
			retry:    encodeRetry(),
		}
		m.containers[mod] = c
		logger.Info("embed space ready",
			"modality", mod, "provider", ref.Provider, "model", ref.Model, "space", c.Space, "dim", ref.Dim)
	}
	if len(m.containers) == 0 {
		return nil, fmt.Errorf("embed: no modality configured")
	}
	return m, nil
}

// NewManagerWithEncoders wires pre-built encoders, for tests.
func NewManagerWithEncoders(encs map[domain.Modality]Encoder, batchSize int) *Manager {
	m := &Manager{
		containers:   make(map[domain.Modality]*Container),
		batchSize:    batchSize,
		workers:      1,
		log:          slog.Default(),
		embedTotal:   func(string) *metrics.Counter { return &metrics.Counter{} },
		embedSeconds: metrics.New().Histogram("embed_batch_seconds", "", nil),
	}
	for mod, enc := range encs {
		m.containers[mod] = &Container{
			Modality: mod,
			Provider: "mock",
			Model:    "mock",
			Alias:    "mock",
			Space:    domain.SpaceKey("mock", "mock", mod),
			Dim:      enc.Dim(),
			enc:      enc,
			breaker:  resilience.NewBreaker(resilience.DefaultBreakerOpts),
			// Single attempt keeps failure tests deterministic.
			retry: fn.RetryOpts{MaxAttempts: 1},
		}
	}
	return m
}

// Container returns the container for m.
func (mgr *Manager) Container(m domain.Modality) (*Container, error) {
	c, ok := mgr.containers[m]
	if !ok {
		return nil, fmt.Errorf("embed: %s: %w", m, domain.ErrModalityDisabled)
	}
	return c, nil
}

// Enabled lists modalities with configured backends in canonical
// order.
func (mgr *Manager) Enabled() []domain.Modality {
	var out []domain.Modality
	for _, m := range domain.Modalities {
		if _, ok := mgr.containers[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// BatchSize returns the embedding batch size.
func (mgr *Manager) BatchSize() int { return mgr.batchSize }

// EmbedNodes attaches vectors to nodes of one modality. Nodes are
// chunked into batches which run with bounded concurrency; any batch
// failure fails the whole call with no partial results.
func (mgr *Manager) EmbedNodes(ctx context.Context, m domain.Modality, nodes []domain.Node) ([]domain.Node, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	c, err := mgr.Container(m)
	if err != nil {
		return nil, err
	}

	batches := fn.Chunk(nodes, mgr.batchSize)
	results := fn.ParMapResult(batches, mgr.workers, func(batch []domain.Node) fn.Result[[]domain.Node] {
		return mgr.embedBatch(ctx, c, batch)
	})
	collected, err := fn.Collect(results).Unwrap()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Node, 0, len(nodes))
	for _, b := range collected {
		out = append(out, b...)
	}
	return out, nil
}

func (mgr *Manager) embedBatch(ctx context.Context, c *Container, batch []domain.Node) fn.Result[[]domain.Node] {
	if mgr.pace != nil {
		if err := mgr.pace.Wait(ctx); err != nil {
			return fn.Err[[]domain.Node](err)
		}
	}
	start := time.Now()
	defer mgr.embedSeconds.Since(start)

	var vecs [][]float32
	var err error
	if c.Modality == domain.ModalityText {
		texts := fn.Map(batch, func(n domain.Node) string { return n.Text })
		vecs, err = c.EncodeTexts(ctx, texts)
	} else {
		paths := fn.Map(batch, func(n domain.Node) string { return n.MediaPath })
		vecs, err = c.EncodeFiles(ctx, paths)
	}
	if err != nil {
		return fn.Errf[[]domain.Node]("embed: batch of %d %s nodes: %w", len(batch), c.Modality, err)
	}
	out := make([]domain.Node, len(batch))
	for i, n := range batch {
		n.Vector = vecs[i]
		out[i] = n
	}
	mgr.embedTotal(string(c.Modality)).Add(int64(len(batch)))
	return fn.Ok(out)
}

// EncodeQueryText embeds a text query into modality m's space. A
// backend without a text tower surfaces ErrCrossModalQuery.
func (mgr *Manager) EncodeQueryText(ctx context.Context, m domain.Modality, query string) ([]float32, error) {
	c, err := mgr.Container(m)
	if err != nil {
		return nil, err
	}
	vecs, err := c.EncodeTexts(ctx, []string{query})
	if errors.Is(err, ErrTextUnsupported) {
		return nil, fmt.Errorf("embed: text query into %s space: %w", m, domain.ErrCrossModalQuery)
	}
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeQueryFile embeds a reference media file into modality m's
// space.
func (mgr *Manager) EncodeQueryFile(ctx context.Context, m domain.Modality, path string) ([]float32, error) {
	c, err := mgr.Container(m)
	if err != nil {
		return nil, err
	}
	vecs, err := c.EncodeFiles(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
