// Package runtime composes the engine. A Runtime resolves managers
// and engines from one configuration generation, each lazily and at
// most once, and tears a generation down exactly once. Build reloads
// the configuration from disk; Rebuild keeps the in-memory
// configuration and recreates everything downstream.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tesserai/tessera/engine/cache"
	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/docstore"
	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/embed"
	"github.com/tesserai/tessera/engine/ingest"
	"github.com/tesserai/tessera/engine/lineage"
	"github.com/tesserai/tessera/engine/metastore"
	"github.com/tesserai/tessera/engine/reader"
	"github.com/tesserai/tessera/engine/rerank"
	"github.com/tesserai/tessera/engine/retrieve"
	"github.com/tesserai/tessera/engine/semantic"
	"github.com/tesserai/tessera/pkg/media"
	"github.com/tesserai/tessera/pkg/metrics"
)

// ErrNotBuilt reports use of a Runtime before Build.
var ErrNotBuilt = errors.New("runtime: not built")

// Runtime owns the active generation. Accessors hand out that
// generation's singletons; Build and Rebuild swap generations whole.
// Releasing a generation must not race its accessors; the API layer's
// exclusive request lock provides that ordering.
type Runtime struct {
	cfgPath string
	log     *slog.Logger
	met     *metrics.Registry

	mu  sync.Mutex
	gen *generation
}

// New binds a Runtime to a config path. Nothing is loaded until Build.
func New(cfgPath string, logger *slog.Logger, met *metrics.Registry) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if met == nil {
		met = metrics.New()
	}
	return &Runtime{cfgPath: cfgPath, log: logger, met: met}
}

// Build releases the current generation and resolves a fresh one from
// the on-disk configuration.
func (r *Runtime) Build(ctx context.Context) error {
	cfg, err := config.Load(r.cfgPath, r.log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	r.mu.Lock()
	old := r.gen
	r.gen = newGeneration(cfg, r.log, r.met)
	r.mu.Unlock()
	if old != nil {
		old.release(ctx, r.log)
	}
	r.log.Info("runtime built", "config", r.cfgPath,
		"project", cfg.General.Project, "kb", cfg.General.KnowledgeBase)
	return nil
}

// Rebuild keeps the in-memory configuration and recreates every
// downstream singleton.
func (r *Runtime) Rebuild(ctx context.Context) error {
	r.mu.Lock()
	old := r.gen
	if old == nil {
		r.mu.Unlock()
		return ErrNotBuilt
	}
	r.gen = newGeneration(old.cfg, r.log, r.met)
	r.mu.Unlock()
	old.release(ctx, r.log)
	r.log.Info("runtime rebuilt")
	return nil
}

// Release tears down the current generation. Safe to call repeatedly.
func (r *Runtime) Release(ctx context.Context) {
	r.mu.Lock()
	gen := r.gen
	r.gen = nil
	r.mu.Unlock()
	if gen != nil {
		gen.release(ctx, r.log)
	}
}

func (r *Runtime) current() (*generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == nil {
		return nil, ErrNotBuilt
	}
	return r.gen, nil
}

// Config returns the active generation's configuration.
func (r *Runtime) Config() (config.Config, error) {
	gen, err := r.current()
	if err != nil {
		return config.Config{}, err
	}
	return gen.cfg, nil
}

// Metrics exposes the process-wide registry.
func (r *Runtime) Metrics() *metrics.Registry { return r.met }

// Embedder returns the embedding manager.
func (r *Runtime) Embedder() (*embed.Manager, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.embedder()
}

// Vectors returns the vector store manager.
func (r *Runtime) Vectors() (*semantic.Manager, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.vectors()
}

// Docs returns the docstore manager.
func (r *Runtime) Docs() (*docstore.Manager, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.documents(), nil
}

// Cache returns the ingest cache manager.
func (r *Runtime) Cache() (*cache.Manager, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.caches(), nil
}

// Meta returns the structured meta store.
func (r *Runtime) Meta() (*metastore.Manager, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.meta(context.Background())
}

// Reranker returns the rerank manager, nil when reranking is off.
func (r *Runtime) Reranker() (*rerank.Manager, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.reranker()
}

// Provenance returns the lineage recorder, nil when lineage is off.
func (r *Runtime) Provenance() (*lineage.Recorder, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.provenance()
}

// Retriever returns the retrieval engine.
func (r *Runtime) Retriever() (*retrieve.Engine, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.retriever()
}

// Loader returns the file loader.
func (r *Runtime) Loader() (*reader.Loader, error) {
	gen, err := r.current()
	if err != nil {
		return nil, err
	}
	return gen.fileLoader(), nil
}

// Warmup prepares a fresh generation for traffic: collections and
// tables are ensured, the fingerprint cache is rehydrated up to
// cache_load_limit, and ingest cache snapshots are restored from
// pipe_persist_dir.
func (r *Runtime) Warmup(ctx context.Context) error {
	gen, err := r.current()
	if err != nil {
		return err
	}
	vec, err := gen.vectors()
	if err != nil {
		return err
	}
	if err := vec.EnsureAll(ctx); err != nil {
		return fmt.Errorf("runtime: ensure collections: %w", err)
	}
	meta, err := gen.meta(ctx)
	if err != nil {
		return err
	}
	if err := meta.EnsureAll(ctx); err != nil {
		return fmt.Errorf("runtime: ensure meta tables: %w", err)
	}
	if err := vec.Rehydrate(ctx, meta, meta.Tables(), gen.cfg.VectorStore.CacheLoadLimit); err != nil {
		r.log.Warn("fingerprint rehydrate failed", "error", err)
	}
	if dir := gen.cfg.Ingest.PipePersistDir; dir != "" {
		if err := gen.caches().RestoreAll(ctx, dir); err != nil {
			r.log.Warn("ingest cache restore failed", "dir", dir, "error", err)
		}
	}
	return nil
}

// Persist snapshots the ingest caches to pipe_persist_dir.
func (r *Runtime) Persist(ctx context.Context) error {
	gen, err := r.current()
	if err != nil {
		return err
	}
	dir := gen.cfg.Ingest.PipePersistDir
	if dir == "" {
		return nil
	}
	return gen.caches().PersistAll(ctx, dir)
}

// Health reports per-store status for the health endpoint. Probes an
// unbuilt singleton lazily; failures land in the value, never as an
// error.
func (r *Runtime) Health(ctx context.Context) map[string]string {
	out := map[string]string{"status": "ok"}
	gen, err := r.current()
	if err != nil {
		out["status"] = err.Error()
		return out
	}

	if vec, err := gen.vectors(); err != nil {
		out["vector_store"] = "error: " + err.Error()
	} else {
		out["vector_store"] = vec.Health(ctx)
	}

	if em, err := gen.embedder(); err != nil {
		out["embed"] = "error: " + err.Error()
	} else {
		mods := em.Enabled()
		names := make([]string, len(mods))
		for i, m := range mods {
			names[i] = string(m)
		}
		out["embed"] = "ok: " + strings.Join(names, ",")
	}

	if !gen.cfg.Rerank.Enabled {
		out["rerank"] = "disabled"
	} else if rr, err := gen.reranker(); err != nil {
		out["rerank"] = "error: " + err.Error()
	} else {
		out["rerank"] = rr.Health()
	}

	if err := gen.caches().Ping(ctx); err != nil {
		out["ingest_cache"] = "error: " + err.Error()
	} else {
		out["ingest_cache"] = "ok"
	}

	out["document_store"] = gen.documents().Health(ctx)
	return out
}

// generation is one configuration's worth of lazy singletons.
type generation struct {
	cfg config.Config
	log *slog.Logger
	met *metrics.Registry

	embedOnce sync.Once
	embedMgr  *embed.Manager
	embedErr  error

	vecOnce sync.Once
	vecMgr  *semantic.Manager
	vecErr  error

	docsOnce sync.Once
	docsMgr  *docstore.Manager

	cacheOnce sync.Once
	cacheMgr  *cache.Manager

	metaOnce sync.Once
	metaMgr  *metastore.Manager
	metaErr  error

	linOnce sync.Once
	lin     *lineage.Recorder
	linErr  error

	rerankOnce sync.Once
	rerankMgr  *rerank.Manager
	rerankErr  error

	retrOnce sync.Once
	retr     *retrieve.Engine
	retrErr  error

	loaderOnce sync.Once
	loader     *reader.Loader

	fetchOnce sync.Once
	fetch     *reader.Fetcher

	webOnce sync.Once
	web     *reader.WebReader

	wikiOnce sync.Once
	wiki     *reader.WikipediaReader

	smapOnce sync.Once
	smap     *reader.SitemapReader

	releaseOnce sync.Once
}

func newGeneration(cfg config.Config, logger *slog.Logger, met *metrics.Registry) *generation {
	return &generation{cfg: cfg, log: logger, met: met}
}

// spaceKeys maps each enabled modality to its space key.
func (g *generation) spaceKeys() map[domain.Modality]string {
	keys := make(map[domain.Modality]string)
	for _, m := range domain.Modalities {
		ref := g.cfg.Embed.ByModality(m)
		if ref.Enabled() {
			keys[m] = domain.SpaceKey(ref.Provider, ref.SpaceAlias(), m)
		}
	}
	return keys
}

func (g *generation) spaces() []semantic.Space {
	var out []semantic.Space
	for _, m := range domain.Modalities {
		ref := g.cfg.Embed.ByModality(m)
		if ref.Enabled() {
			out = append(out, semantic.Space{
				Modality: m,
				Key:      domain.SpaceKey(ref.Provider, ref.SpaceAlias(), m),
				Dim:      ref.Dim,
			})
		}
	}
	return out
}

func (g *generation) embedder() (*embed.Manager, error) {
	g.embedOnce.Do(func() {
		g.embedMgr, g.embedErr = embed.NewManager(g.cfg.Embed, g.cfg.Ingest.BatchSize, g.log, g.met)
	})
	return g.embedMgr, g.embedErr
}

func (g *generation) vectors() (*semantic.Manager, error) {
	g.vecOnce.Do(func() {
		g.vecMgr, g.vecErr = semantic.NewManager(
			g.cfg.VectorStore.Addr,
			g.cfg.General.Project, g.cfg.General.KnowledgeBase,
			g.spaces(), g.log)
	})
	return g.vecMgr, g.vecErr
}

func (g *generation) documents() *docstore.Manager {
	g.docsOnce.Do(func() {
		g.docsMgr = docstore.NewManager(
			g.cfg.DocumentStore.Addr, g.cfg.DocumentStore.DB,
			g.cfg.General.Project, g.cfg.General.KnowledgeBase,
			g.spaceKeys(), g.log)
	})
	return g.docsMgr
}

func (g *generation) caches() *cache.Manager {
	g.cacheOnce.Do(func() {
		g.cacheMgr = cache.NewManager(
			g.cfg.IngestCache.Addr, g.cfg.IngestCache.DB,
			g.cfg.General.Project, g.cfg.General.KnowledgeBase,
			g.spaceKeys(), g.log)
	})
	return g.cacheMgr
}

func (g *generation) meta(ctx context.Context) (*metastore.Manager, error) {
	g.metaOnce.Do(func() {
		g.metaMgr, g.metaErr = metastore.NewManager(ctx,
			g.cfg.VectorStore.MetaDSN,
			g.cfg.General.Project, g.cfg.General.KnowledgeBase,
			g.spaceKeys(), g.log)
	})
	return g.metaMgr, g.metaErr
}

// provenance returns the lineage recorder, nil when no URI is set.
func (g *generation) provenance() (*lineage.Recorder, error) {
	g.linOnce.Do(func() {
		if g.cfg.General.LineageURI == "" {
			return
		}
		g.lin, g.linErr = lineage.New(g.cfg.General.LineageURI, g.cfg.General.LineageUser, g.log)
	})
	return g.lin, g.linErr
}

// reranker returns the rerank manager, nil when reranking is off.
func (g *generation) reranker() (*rerank.Manager, error) {
	g.rerankOnce.Do(func() {
		if !g.cfg.Rerank.Enabled {
			return
		}
		g.rerankMgr, g.rerankErr = rerank.New(g.cfg.Rerank, g.log)
	})
	return g.rerankMgr, g.rerankErr
}

func (g *generation) retriever() (*retrieve.Engine, error) {
	g.retrOnce.Do(func() {
		em, err := g.embedder()
		if err != nil {
			g.retrErr = err
			return
		}
		vec, err := g.vectors()
		if err != nil {
			g.retrErr = err
			return
		}
		deps := retrieve.Deps{
			Config:   g.cfg.Retrieve,
			Embedder: em,
			Vectors:  vec,
			Docs:     g.documents(),
			Logger:   g.log,
			Metrics:  g.met,
		}
		rr, err := g.reranker()
		if err != nil {
			g.retrErr = err
			return
		}
		// A typed nil in the interface would count as present.
		if rr != nil {
			deps.Rerank = rr
		}
		g.retr = retrieve.New(deps)
	})
	return g.retr, g.retrErr
}

func (g *generation) mediaTools() *media.Tools {
	return media.New(g.cfg.Ingest.FFmpegPath, g.cfg.Ingest.FFprobePath, g.log)
}

func tmpDir() string {
	return filepath.Join(os.TempDir(), "tessera")
}

func (g *generation) fileLoader() *reader.Loader {
	g.loaderOnce.Do(func() {
		audioOn := g.cfg.Embed.Audio.Enabled()
		videoFPS := 0.0
		if g.cfg.Embed.Image.Enabled() {
			videoFPS = g.cfg.Ingest.VideoFPS
		}
		g.loader = reader.NewLoader(reader.LoaderOpts{
			PDF:            reader.NewPDFReader("pdftotext", tmpDir(), g.cfg.Embed.Image.Enabled(), g.log),
			Media:          g.mediaTools(),
			ExtraExts:      g.cfg.Ingest.AdditionalExts,
			AudioFromVideo: audioOn,
			VideoFPS:       videoFPS,
			SampleRate:     g.cfg.Ingest.AudioSampleRate,
			Bitrate:        g.cfg.Ingest.AudioBitrate,
			Log:            g.log,
		})
	})
	return g.loader
}

func (g *generation) fetcher() *reader.Fetcher {
	g.fetchOnce.Do(func() {
		g.fetch = reader.NewFetcher(reader.FetcherOpts{
			ReqPerSec:  g.cfg.Ingest.ReqPerSec,
			TimeoutSec: g.cfg.Ingest.TimeoutSec,
			MaxBytes:   g.cfg.Ingest.MaxAssetBytes,
			UserAgent:  g.cfg.Ingest.UserAgent,
			Log:        g.log,
		})
	})
	return g.fetch
}

// assetModalities maps the enabled media embedding spaces to the page
// assets worth downloading.
func (g *generation) assetModalities() map[domain.Modality]bool {
	m := make(map[domain.Modality]bool)
	if g.cfg.Embed.Image.Enabled() {
		m[domain.ModalityImage] = true
	}
	if g.cfg.Embed.Audio.Enabled() {
		m[domain.ModalityAudio] = true
	}
	if g.cfg.Embed.Video.Enabled() {
		m[domain.ModalityVideo] = true
	}
	return m
}

func (g *generation) webReader() *reader.WebReader {
	g.webOnce.Do(func() {
		g.web = reader.NewWebReader(reader.WebReaderOpts{
			Fetch:      g.fetcher(),
			TmpDir:     tmpDir(),
			SameOrigin: g.cfg.Ingest.SameOrigin,
			Assets:     g.assetModalities(),
			PDF:        reader.NewPDFReader("pdftotext", tmpDir(), g.cfg.Embed.Image.Enabled(), g.log),
			Log:        g.log,
		})
	})
	return g.web
}

func (g *generation) wikipediaReader() *reader.WikipediaReader {
	g.wikiOnce.Do(func() {
		g.wiki = reader.NewWikipediaReader(g.fetcher(), tmpDir(), "", g.assetModalities(), g.log)
	})
	return g.wiki
}

func (g *generation) sitemapReader() *reader.SitemapReader {
	g.smapOnce.Do(func() {
		g.smap = reader.NewSitemapReader(g.fetcher(), g.webReader(), g.log)
	})
	return g.smap
}

// summarizer returns the chunk summarizer, nil when no LLM is
// configured.
func (g *generation) summarizer() ingest.Summarizer {
	if g.cfg.LLM.Provider != "ollama" || g.cfg.LLM.Model == "" {
		return nil
	}
	url := g.cfg.LLM.URL
	if url == "" {
		url = "http://localhost:11434"
	}
	return ingest.NewLLMSummarizer(url, g.cfg.LLM.Model)
}

// pipeline builds an ingest pipeline for one job. Store singletons
// come from the generation; chunking and batching settings come from
// the job's config snapshot so a reload cannot change a job mid-run.
func (g *generation) pipeline(snapshot config.Config, isCanceled func() bool) (*ingest.Pipeline, error) {
	em, err := g.embedder()
	if err != nil {
		return nil, err
	}
	vec, err := g.vectors()
	if err != nil {
		return nil, err
	}
	meta, err := g.meta(context.Background())
	if err != nil {
		return nil, err
	}
	lin, err := g.provenance()
	if err != nil {
		g.log.Warn("lineage disabled", "error", err)
		lin = nil
	}
	deps := ingest.Deps{
		Config:        snapshot.Ingest,
		CheckUpdate:   snapshot.VectorStore.CheckUpdate,
		VideoFallback: snapshot.Retrieve.UseModalityFallback,
		Embedder:      em,
		Vectors:       vec,
		Docs:          g.documents(),
		Cache:         g.caches(),
		Meta:          meta,
		Lineage:       lin,
		Media:         g.mediaTools(),
		Summarizer:    g.summarizer(),
		IsCanceled:    isCanceled,
		Logger:        g.log,
		Metrics:       g.met,
	}
	return ingest.New(deps), nil
}

// release closes every singleton that was actually created. Runs at
// most once.
func (g *generation) release(ctx context.Context, log *slog.Logger) {
	g.releaseOnce.Do(func() {
		if g.cacheMgr != nil {
			if err := g.cacheMgr.Close(); err != nil {
				log.Warn("cache close", "error", err)
			}
		}
		if g.docsMgr != nil {
			if err := g.docsMgr.Close(); err != nil {
				log.Warn("docstore close", "error", err)
			}
		}
		if g.metaMgr != nil {
			g.metaMgr.Close()
		}
		if g.vecMgr != nil {
			if err := g.vecMgr.Close(); err != nil {
				log.Warn("vector store close", "error", err)
			}
		}
		if g.lin != nil {
			if err := g.lin.Close(ctx); err != nil {
				log.Warn("lineage close", "error", err)
			}
		}
		log.Info("generation released")
	})
}
