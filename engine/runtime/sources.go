package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/ingest"
	"github.com/tesserai/tessera/engine/worker"
)

// JobRunner adapts the Runtime into the worker's Runner. Each job
// builds its own pipeline from the config snapshot the job carries,
// so a reload between submit and run cannot change chunking or
// batching mid-job.
func (r *Runtime) JobRunner() worker.Runner {
	return worker.RunnerFunc(r.runJob)
}

func (r *Runtime) runJob(ctx context.Context, job worker.Job) error {
	gen, err := r.current()
	if err != nil {
		return err
	}
	pipe, err := gen.pipeline(job.Config, job.Canceled)
	if err != nil {
		return fmt.Errorf("runtime: job %s: %w", job.ID, err)
	}
	switch job.Kind {
	case worker.KindIngestPath:
		docs, err := gen.fileLoader().LoadPath(ctx, job.Args["path"])
		if err != nil {
			return err
		}
		return r.runDocs(ctx, pipe, job, docs)
	case worker.KindIngestURL:
		docs, err := gen.loadURL(ctx, job.Args["url"])
		if err != nil {
			return err
		}
		return r.runDocs(ctx, pipe, job, docs)
	case worker.KindIngestPathList:
		entries, err := readListFile(job.Args["path"])
		if err != nil {
			return err
		}
		return r.runList(ctx, pipe, job, entries, gen.fileLoader().LoadPath)
	case worker.KindIngestURLList:
		entries, err := readListFile(job.Args["path"])
		if err != nil {
			return err
		}
		return r.runList(ctx, pipe, job, entries, gen.loadURL)
	default:
		return fmt.Errorf("runtime: job %s: unknown kind %q", job.ID, job.Kind)
	}
}

func (r *Runtime) runDocs(ctx context.Context, pipe *ingest.Pipeline, job worker.Job, docs []domain.Document) error {
	stats, err := pipe.Run(ctx, docs)
	if err != nil {
		return err
	}
	r.log.Info("job ingested", "job", job.ID, "kind", string(job.Kind),
		"documents", stats.Documents, "nodes", stats.Nodes,
		"duplicates", stats.Duplicates, "committed", stats.Committed)
	return nil
}

// runList ingests each entry on its own. A bad entry is logged and
// skipped; only cancellation stops the walk.
func (r *Runtime) runList(ctx context.Context, pipe *ingest.Pipeline, job worker.Job,
	entries []string, load func(context.Context, string) ([]domain.Document, error)) error {
	var ok, skipped int
	for _, entry := range entries {
		if job.Canceled() {
			return ingest.ErrCanceled
		}
		docs, err := load(ctx, entry)
		if err != nil {
			r.log.Warn("list entry failed", "job", job.ID, "entry", entry, "error", err)
			skipped++
			continue
		}
		if _, err := pipe.Run(ctx, docs); err != nil {
			if errors.Is(err, ingest.ErrCanceled) {
				return err
			}
			r.log.Warn("list entry failed", "job", job.ID, "entry", entry, "error", err)
			skipped++
			continue
		}
		ok++
	}
	r.log.Info("job ingested", "job", job.ID, "kind", string(job.Kind),
		"entries", ok, "skipped", skipped)
	return nil
}

// DeleteSource removes every trace of a base source: vectors,
// documents, meta rows, ingest cache fingerprints and lineage. A
// source's derived chunks can live in several spaces (a page yields
// text plus image assets), so the cascade walks every enabled
// modality.
func (r *Runtime) DeleteSource(ctx context.Context, source string) error {
	gen, err := r.current()
	if err != nil {
		return err
	}
	pipe, err := gen.pipeline(gen.cfg, nil)
	if err != nil {
		return err
	}
	em, err := gen.embedder()
	if err != nil {
		return err
	}
	for _, mod := range em.Enabled() {
		if err := pipe.DeleteSource(ctx, mod, source); err != nil {
			return err
		}
	}
	return nil
}

// loadURL routes a URL to the matching reader. Wikipedia articles go
// through the wikipedia reader, .xml paths are treated as sitemaps,
// everything else is fetched as a single page.
func (g *generation) loadURL(ctx context.Context, rawURL string) ([]domain.Document, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("runtime: url %q: %w", rawURL, domain.ErrEmptySource)
	}
	switch {
	case isWikipediaArticle(u):
		return g.wikipediaReader().Load(ctx, u.String())
	case strings.HasSuffix(strings.ToLower(u.Path), ".xml"):
		return g.sitemapReader().Load(ctx, u.String())
	default:
		return g.webReader().LoadURL(ctx, u.String())
	}
}

func isWikipediaArticle(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host != "wikipedia.org" && !strings.HasSuffix(host, ".wikipedia.org") {
		return false
	}
	return strings.HasPrefix(u.Path, "/wiki/")
}

// readListFile reads one path or URL per line. Blank lines and lines
// starting with # are skipped.
func readListFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: read list %s: %w", path, err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
