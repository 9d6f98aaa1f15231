// Package ingest turns reader documents into persisted nodes. A run
// is a four-goroutine channel pipeline (feed, transform, embed,
// commit) with stage channels bounded by the batch size; duplicate
// sources drop out at the front, embedded batches commit to every
// store at the back, and a cancellation callback is polled between
// documents and batches for ordered shutdown.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tesserai/tessera/engine/cache"
	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/docstore"
	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/embed"
	"github.com/tesserai/tessera/engine/lineage"
	"github.com/tesserai/tessera/engine/metastore"
	"github.com/tesserai/tessera/engine/reader"
	"github.com/tesserai/tessera/engine/semantic"
	"github.com/tesserai/tessera/pkg/media"
	"github.com/tesserai/tessera/pkg/metrics"
)

// ErrCanceled reports a run stopped by the cancellation callback.
// The current batch's writes still land before the pipeline stops.
var ErrCanceled = errors.New("ingest: run canceled")

// MetaStore is the slice of the structured meta store the pipeline
// writes through.
type MetaStore interface {
	UpsertBatch(ctx context.Context, mod domain.Modality, rows []metastore.Row) error
	DeleteByNodeIDs(ctx context.Context, mod domain.Modality, ids []string) error
	DeleteByBaseSource(ctx context.Context, mod domain.Modality, base string) ([]string, error)
}

// Deps holds the external dependencies for a pipeline. Lineage,
// Media, and Summarizer are optional; a nil IsCanceled never cancels.
// VideoFallback lets video sources without a video embedding space be
// ingested as key frames into the image space.
type Deps struct {
	Config        config.Ingest
	CheckUpdate   bool
	VideoFallback bool
	Embedder      *embed.Manager
	Vectors       *semantic.Manager
	Docs          *docstore.Manager
	Cache         *cache.Manager
	Meta          MetaStore
	Lineage       *lineage.Recorder
	Media         *media.Tools
	Summarizer    Summarizer
	TmpDir        string
	IsCanceled    func() bool
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

// Pipeline is a reusable ingestion pipeline bound to one store
// generation. Run may be called repeatedly; runs must not overlap.
type Pipeline struct {
	cfg         config.Ingest
	checkUpdate bool
	videoFall   bool
	embed       *embed.Manager
	vectors     *semantic.Manager
	docs        *docstore.Manager
	cache       *cache.Manager
	meta        MetaStore
	lineage     *lineage.Recorder
	media       *media.Tools
	sum         Summarizer
	tmpDir      string
	isCanceled  func() bool
	batch       int
	log         *slog.Logger

	docsTotal     *metrics.Counter
	dupTotal      *metrics.Counter
	nodesTotal    func(modality string) *metrics.Counter
	commitSeconds *metrics.Histogram
}

// New builds a Pipeline from deps.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.New()
	}
	batch := deps.Config.BatchSize
	if batch <= 0 {
		batch = 32
	}
	tmpDir := deps.TmpDir
	if tmpDir == "" {
		tmpDir = filepath.Join(os.TempDir(), "tessera")
	}
	return &Pipeline{
		cfg:         deps.Config,
		checkUpdate: deps.CheckUpdate,
		videoFall:   deps.VideoFallback,
		embed:       deps.Embedder,
		vectors:     deps.Vectors,
		docs:        deps.Docs,
		cache:       deps.Cache,
		meta:        deps.Meta,
		lineage:     deps.Lineage,
		media:       deps.Media,
		sum:         deps.Summarizer,
		tmpDir:      tmpDir,
		isCanceled:  deps.IsCanceled,
		batch:       batch,
		log:         logger,

		docsTotal: met.Counter("ingest_documents_total", "documents entering the pipeline"),
		dupTotal:  met.Counter("ingest_duplicates_total", "documents skipped as unchanged"),
		nodesTotal: func(modality string) *metrics.Counter {
			return met.Counter(metrics.WithLabels("ingest_nodes_total", "modality", modality),
				"nodes produced by modality")
		},
		commitSeconds: met.Histogram("ingest_commit_seconds", "store commit latency per batch", nil),
	}
}

func (p *Pipeline) canceled() bool {
	return p.isCanceled != nil && p.isCanceled()
}

// Run pushes documents through the pipeline and blocks until every
// surviving node is committed. The ingest cache snapshot is persisted
// on the way out regardless of how the run ended.
func (p *Pipeline) Run(ctx context.Context, docs []domain.Document) (Stats, error) {
	var stats Stats
	if len(docs) == 0 {
		return stats, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	docCh := make(chan sourceDoc, p.batch)
	groupCh := make(chan sourceGroup, p.batch)
	batchCh := make(chan commitBatch, 1)

	g.Go(func() error {
		defer close(docCh)
		return p.feed(gctx, docs, docCh, &stats)
	})
	g.Go(func() error {
		defer close(groupCh)
		return p.transform(gctx, docCh, groupCh, &stats)
	})
	g.Go(func() error {
		defer close(batchCh)
		return p.embedStage(gctx, groupCh, batchCh, &stats)
	})
	g.Go(func() error {
		return p.commitStage(gctx, batchCh, &stats)
	})

	runErr := g.Wait()
	p.persistCache()
	if runErr == nil && p.canceled() {
		runErr = ErrCanceled
	}
	p.log.Info("ingest run finished",
		"documents", stats.Documents, "duplicates", stats.Duplicates,
		"nodes", stats.Nodes, "cache_hits", stats.CacheHits,
		"committed", stats.Committed, "error", runErr)
	return stats, runErr
}

// feed assigns identities and applies the source-level duplicate
// filters: the in-memory fingerprint cache when updates are not being
// checked, then the docstore ref hash.
func (p *Pipeline) feed(ctx context.Context, docs []domain.Document, out chan<- sourceDoc, stats *Stats) error {
	fps := p.vectors.Fingerprints()
	for _, d := range docs {
		if p.canceled() {
			return nil
		}
		stats.Documents++
		p.docsTotal.Inc()

		sd := sourceDoc{
			doc:    d,
			ref:    d.RefDocID(),
			fp:     d.Meta.Fingerprint(),
			source: d.Meta.Source(),
			mod:    d.Modality,
		}

		if _, err := p.embed.Container(d.Modality); err != nil {
			if mod, ok := p.fallbackModality(d.Modality); ok {
				sd.mod = mod
				p.log.Info("video space absent, ingesting key frames as images", "source", sd.source)
			} else {
				stats.Unsupported++
				p.log.Warn("document skipped", "source", sd.source, "modality", d.Modality, "error", err)
				continue
			}
		}

		if !p.checkUpdate {
			if cached, ok := fps.Lookup(sd.source); ok && cached == sd.fp {
				stats.Duplicates++
				p.dupTotal.Inc()
				p.log.Debug("source unchanged", "source", sd.source)
				continue
			}
		}

		store, err := p.docs.Store(sd.mod)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		hash, ok, err := store.CurrentHash(ctx, sd.ref)
		if err != nil {
			return fmt.Errorf("ingest: duplicate check %s: %w", sd.ref, err)
		}
		if ok && hash == sd.fp {
			stats.Duplicates++
			p.dupTotal.Inc()
			p.log.Debug("document unchanged", "ref", sd.ref)
			continue
		}

		select {
		case out <- sd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// transform explodes each document into its nodes: text chunking,
// media segmenting, optional summarization, then identity capture.
func (p *Pipeline) transform(ctx context.Context, in <-chan sourceDoc, out chan<- sourceGroup, stats *Stats) error {
	for sd := range in {
		if p.canceled() {
			// Keep draining so the feeder is never left blocked on a
			// send.
			for range in {
			}
			return nil
		}
		nodes, err := p.explode(ctx, sd)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			continue
		}
		stats.Nodes += len(nodes)
		p.nodesTotal(string(sd.doc.Modality)).Add(int64(len(nodes)))

		grp := sourceGroup{
			ref:      sd.ref,
			fp:       sd.fp,
			source:   sd.source,
			modality: sd.mod,
			nodes:    nodes,
		}
		select {
		case out <- grp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// explode builds the node list for one document. Chunk numbers are
// assigned in emit order, so they are stable for a given source.
func (p *Pipeline) explode(ctx context.Context, sd sourceDoc) ([]domain.Node, error) {
	d := sd.doc
	var nodes []domain.Node

	switch d.Modality {
	case domain.ModalityText:
		chunks := chunkText(d.Text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
		if len(chunks) == 0 {
			return nil, nil
		}
		nodes = make([]domain.Node, 0, len(chunks))
		for i, text := range chunks {
			meta := d.Meta
			meta.ChunkNo = i
			nodes = append(nodes, domain.Node{
				Modality: d.Modality,
				Text:     p.summarize(ctx, d.Modality, text),
				Meta:     meta,
			})
		}
	case domain.ModalityImage:
		meta := d.Meta
		meta.ChunkNo = 0
		nodes = []domain.Node{{
			Modality:  d.Modality,
			MediaPath: d.MediaPath,
			Meta:      meta,
		}}
	case domain.ModalityAudio, domain.ModalityVideo:
		var err error
		if d.Modality == domain.ModalityVideo && sd.mod == domain.ModalityImage {
			nodes, err = p.extractFrames(ctx, d)
		} else {
			nodes, err = p.splitMedia(ctx, d)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("ingest: %s: %w", d.Modality, domain.ErrUnknownModality)
	}

	for i := range nodes {
		nodes[i] = nodes[i].Identify()
	}
	return nodes, nil
}

// splitMedia segments a recording into fixed windows when its probed
// duration exceeds the modality's chunk seconds. Probe or slice
// failures degrade to a single whole-file node.
func (p *Pipeline) splitMedia(ctx context.Context, d domain.Document) ([]domain.Node, error) {
	whole := func() []domain.Node {
		meta := d.Meta
		meta.ChunkNo = 0
		return []domain.Node{{Modality: d.Modality, MediaPath: d.MediaPath, Meta: meta}}
	}

	chunkSec := float64(p.cfg.AudioChunkSeconds)
	if d.Modality == domain.ModalityVideo {
		chunkSec = float64(p.cfg.VideoChunkSeconds)
	}
	if p.media == nil || chunkSec <= 0 || d.MediaPath == "" {
		return whole(), nil
	}

	info, err := p.media.Probe(ctx, d.MediaPath)
	if err != nil {
		p.log.Warn("media probe failed, ingesting whole file", "path", d.MediaPath, "error", err)
		return whole(), nil
	}
	if info.DurationSec <= chunkSec {
		return whole(), nil
	}

	if err := os.MkdirAll(p.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: mkdir %s: %w", p.tmpDir, err)
	}

	ext := ".mp3"
	if d.Modality == domain.ModalityVideo {
		ext = filepath.Ext(d.MediaPath)
		if ext == "" {
			ext = ".mp4"
		}
	}

	spans := media.ChunkSpans(info.DurationSec, chunkSec)
	nodes := make([]domain.Node, 0, len(spans))
	for i, span := range spans {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dst := reader.TempPath(p.tmpDir, fmt.Sprintf("%s#%d", d.MediaPath, i), ext)
		if d.Modality == domain.ModalityAudio {
			err = p.media.SliceAudio(ctx, d.MediaPath, dst, span.Start, span.Dur, p.cfg.AudioSampleRate, p.cfg.AudioBitrate)
		} else {
			err = p.media.SliceVideo(ctx, d.MediaPath, dst, span.Start, span.Dur)
		}
		if err != nil {
			p.log.Warn("media slice failed, ingesting whole file", "path", d.MediaPath, "segment", i, "error", err)
			removeTempFiles(nodes)
			return whole(), nil
		}
		meta := d.Meta
		meta.ChunkNo = i
		if meta.BaseSource == "" {
			meta.BaseSource = d.Meta.Source()
		}
		meta.TempFilePath = dst
		nodes = append(nodes, domain.Node{Modality: d.Modality, MediaPath: dst, Meta: meta})
	}

	// The whole-file temp (an extracted track, say) is superseded by
	// its segments.
	if d.Meta.TempFilePath != "" {
		if err := os.Remove(d.Meta.TempFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("temp file cleanup failed", "path", d.Meta.TempFilePath, "error", err)
		}
	}
	return nodes, nil
}

// fallbackModality maps a modality without an embedding space to the
// space that can still serve it: video degrades to key frames in the
// image space when the fallback is enabled and frame extraction is
// available.
func (p *Pipeline) fallbackModality(m domain.Modality) (domain.Modality, bool) {
	if m != domain.ModalityVideo || !p.videoFall || p.media == nil {
		return "", false
	}
	if _, err := p.embed.Container(domain.ModalityImage); err != nil {
		return "", false
	}
	return domain.ModalityImage, true
}

// extractFrames grabs one key frame per chunk window of a video and
// emits them as image-space nodes that keep the video modality tag, so
// queries can tell frames from ingested images. Frame failures skip
// the frame; a video with no extractable frame is dropped.
func (p *Pipeline) extractFrames(ctx context.Context, d domain.Document) ([]domain.Node, error) {
	info, err := p.media.Probe(ctx, d.MediaPath)
	if err != nil {
		p.log.Warn("video probe failed, dropping source", "path", d.MediaPath, "error", err)
		return nil, nil
	}
	chunkSec := float64(p.cfg.VideoChunkSeconds)
	spans := media.ChunkSpans(info.DurationSec, chunkSec)
	if len(spans) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(p.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: mkdir %s: %w", p.tmpDir, err)
	}

	nodes := make([]domain.Node, 0, len(spans))
	for i, span := range spans {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dst := reader.TempPath(p.tmpDir, fmt.Sprintf("%s#frame%d", d.MediaPath, i), ".jpg")
		if err := p.media.Frame(ctx, d.MediaPath, dst, span.Start+span.Dur/2); err != nil {
			p.log.Warn("frame extraction failed", "path", d.MediaPath, "frame", i, "error", err)
			continue
		}
		meta := d.Meta
		meta.ChunkNo = i
		if meta.BaseSource == "" {
			meta.BaseSource = d.Meta.Source()
		}
		meta.TempFilePath = dst
		nodes = append(nodes, domain.Node{Modality: domain.ModalityVideo, MediaPath: dst, Meta: meta})
	}
	if len(nodes) == 0 {
		p.log.Warn("no frames extracted, dropping source", "path", d.MediaPath)
	}
	return nodes, nil
}

func (p *Pipeline) summarize(ctx context.Context, m domain.Modality, text string) string {
	if p.sum == nil || text == "" {
		return text
	}
	out, err := p.sum.Summarize(ctx, m, text)
	if err != nil {
		p.log.Warn("summarize failed, keeping original text", "modality", m, "error", err)
		return text
	}
	return out
}

// embedStage accumulates groups per modality and flushes a batch once
// enough nodes are pending. Groups never split across batches, so a
// source's ref update always travels with its own nodes.
func (p *Pipeline) embedStage(ctx context.Context, in <-chan sourceGroup, out chan<- commitBatch, stats *Stats) error {
	type accum struct {
		groups []sourceGroup
		count  int
	}
	pending := make(map[domain.Modality]*accum)

	flush := func(mod domain.Modality) error {
		a := pending[mod]
		if a == nil || len(a.groups) == 0 {
			return nil
		}
		delete(pending, mod)
		b, err := p.prepare(ctx, mod, a.groups, stats)
		if err != nil {
			return err
		}
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for grp := range in {
		if p.canceled() {
			removeTempFiles(grp.nodes)
			for g := range in {
				removeTempFiles(g.nodes)
			}
			for _, a := range pending {
				for _, g := range a.groups {
					removeTempFiles(g.nodes)
				}
			}
			return nil
		}
		a := pending[grp.modality]
		if a == nil {
			a = &accum{}
			pending[grp.modality] = a
		}
		a.groups = append(a.groups, grp)
		a.count += len(grp.nodes)
		if a.count >= p.batch {
			if err := flush(grp.modality); err != nil {
				return err
			}
		}
	}
	for _, mod := range domain.Modalities {
		if err := flush(mod); err != nil {
			return err
		}
	}
	return nil
}

// prepare consults the ingest cache, embeds the misses, and performs
// temp-file cleanup. A node whose fingerprint is cached contributes
// its stored ids to the ref update and is dropped from the write set;
// that is what lets a run resume after a crash between commit and
// ref update.
func (p *Pipeline) prepare(ctx context.Context, mod domain.Modality, groups []sourceGroup, stats *Stats) (commitBatch, error) {
	ic, err := p.cache.Cache(mod)
	if err != nil {
		return commitBatch{}, fmt.Errorf("ingest: %w", err)
	}

	var toEmbed []domain.Node
	updates := make([]refUpdate, 0, len(groups))
	for _, grp := range groups {
		upd := refUpdate{ref: grp.ref, fp: grp.fp, source: grp.source}
		for _, n := range grp.nodes {
			ids, hit, err := ic.Get(ctx, n.Hash)
			if err != nil {
				p.log.Warn("ingest cache read failed, treating as miss", "error", err)
			}
			if hit {
				stats.CacheHits++
				upd.ids = append(upd.ids, ids...)
				removeTempFiles([]domain.Node{n})
				continue
			}
			toEmbed = append(toEmbed, n)
			upd.ids = append(upd.ids, n.ID)
		}
		updates = append(updates, upd)
	}

	embedded, err := p.embed.EmbedNodes(ctx, mod, toEmbed)
	if err != nil {
		return commitBatch{}, fmt.Errorf("ingest: %w", err)
	}
	stats.Embedded += len(embedded)
	p.cleanupTemp(embedded)
	return commitBatch{modality: mod, nodes: embedded, updates: updates}, nil
}

// cleanupTemp deletes scratch files and rewrites node metadata to
// point at the original source. Identities were captured before this
// mutation, so stored fingerprints still match the scratch-path form
// the next run will compute.
func (p *Pipeline) cleanupTemp(nodes []domain.Node) {
	for i := range nodes {
		m := &nodes[i].Meta
		if m.TempFilePath == "" {
			continue
		}
		if err := os.Remove(m.TempFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("temp file cleanup failed", "path", m.TempFilePath, "error", err)
		}
		m.FilePath = m.BaseSource
		m.TempFilePath = ""
		nodes[i].MediaPath = ""
	}
}

func removeTempFiles(nodes []domain.Node) {
	for _, n := range nodes {
		if n.Meta.TempFilePath == "" {
			continue
		}
		_ = os.Remove(n.Meta.TempFilePath)
	}
}

// persistCache snapshots the ingest cache. Best effort: a failed
// snapshot only costs a slower cold start.
func (p *Pipeline) persistCache() {
	if p.cfg.PipePersistDir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.cache.PersistAll(ctx, p.cfg.PipePersistDir); err != nil {
		p.log.Warn("ingest cache persist failed", "dir", p.cfg.PipePersistDir, "error", err)
	}
}
