package ingest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/metastore"
)

// commitStage writes batches in arrival order. One goroutine owns all
// store writes, so writes to a given store are serialized while the
// stores themselves are written in parallel. After a cancellation the
// current batch still lands; queued batches are drained and dropped.
func (p *Pipeline) commitStage(ctx context.Context, in <-chan commitBatch, stats *Stats) error {
	for b := range in {
		if err := p.commit(ctx, b, stats); err != nil {
			return err
		}
		if p.canceled() {
			for range in {
			}
			return nil
		}
	}
	return nil
}

// commit applies one batch: vectors first, then docstore and meta
// store concurrently, then the ingest cache. The cache goes last so a
// crash mid-commit leaves it conservative; a missing entry only costs
// a re-embed while the stores stay authoritative. Ref updates and
// lineage become visible only after every write landed.
func (p *Pipeline) commit(ctx context.Context, b commitBatch, stats *Stats) error {
	start := time.Now()
	defer p.commitSeconds.Since(start)

	vec, err := p.vectors.Store(b.modality)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	doc, err := p.docs.Store(b.modality)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	ic, err := p.cache.Cache(b.modality)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if len(b.nodes) > 0 {
		ids := nodeIDs(b.nodes)
		fps := fingerprints(b.nodes)
		rows := make([]metastore.Row, len(b.nodes))
		for i, n := range b.nodes {
			rows[i] = metastore.RowFromNode(n)
		}

		if err := vec.Upsert(ctx, b.nodes); err != nil {
			return fmt.Errorf("ingest: commit %s vectors: %w", b.modality, err)
		}

		eg, egctx := errgroup.WithContext(ctx)
		eg.Go(func() error { return doc.Upsert(egctx, b.nodes) })
		eg.Go(func() error { return p.meta.UpsertBatch(egctx, b.modality, rows) })
		if err := eg.Wait(); err != nil {
			p.rollback(b.modality, ids, fps)
			return fmt.Errorf("ingest: commit %s: %w", b.modality, err)
		}

		entries := make(map[string][]string, len(b.nodes))
		for _, n := range b.nodes {
			entries[n.Fingerprint()] = []string{n.ID}
		}
		if err := ic.PutMany(ctx, entries); err != nil {
			p.log.Warn("ingest cache write failed", "modality", b.modality, "error", err)
		}

		stats.Committed += len(b.nodes)
		p.log.Debug("batch committed", "modality", b.modality, "nodes", len(b.nodes))
	}

	fpcache := p.vectors.Fingerprints()
	for _, u := range b.updates {
		if err := doc.SetRef(ctx, u.ref, u.fp, u.ids); err != nil {
			p.log.Warn("ref update failed", "ref", u.ref, "error", err)
			continue
		}
		fpcache.Remember(u.source, u.fp)
	}

	if p.lineage != nil && len(b.nodes) > 0 {
		if err := p.lineage.RecordBatch(ctx, b.nodes); err != nil {
			p.log.Warn("lineage record failed", "modality", b.modality, "error", err)
		}
	}
	return nil
}

// rollback removes a failed batch from every store it may have
// reached. It runs on a fresh context: the batch context is often
// already dead, and leaving half a batch behind is worse than the
// extra writes.
func (p *Pipeline) rollback(mod domain.Modality, ids, fps []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if vec, err := p.vectors.Store(mod); err == nil {
		if err := vec.DeleteByIDs(ctx, ids); err != nil {
			p.log.Warn("rollback vector delete failed", "modality", mod, "error", err)
		}
	}
	if doc, err := p.docs.Store(mod); err == nil {
		if err := doc.DeleteByIDs(ctx, ids); err != nil {
			p.log.Warn("rollback docstore delete failed", "modality", mod, "error", err)
		}
	}
	if err := p.meta.DeleteByNodeIDs(ctx, mod, ids); err != nil {
		p.log.Warn("rollback meta delete failed", "modality", mod, "error", err)
	}
	if ic, err := p.cache.Cache(mod); err == nil {
		if err := ic.Del(ctx, fps...); err != nil {
			p.log.Warn("rollback cache delete failed", "modality", mod, "error", err)
		}
	}
	p.log.Warn("batch rolled back", "modality", mod, "nodes", len(ids))
}

// DeleteSource removes every trace of a base source: meta rows,
// vectors, cached fingerprints, docstore records and refs, and the
// lineage subtree. It serves re-ingestion and operator cleanup.
func (p *Pipeline) DeleteSource(ctx context.Context, mod domain.Modality, base string) error {
	vec, err := p.vectors.Store(mod)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	doc, err := p.docs.Store(mod)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	ic, err := p.cache.Cache(mod)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	refs, err := p.meta.DeleteByBaseSource(ctx, mod, base)
	if err != nil {
		return fmt.Errorf("ingest: delete source %s: %w", base, err)
	}
	if len(refs) > 0 {
		// Cached fingerprints are resolved through the docstore before
		// its records go away.
		var fps []string
		for _, ref := range refs {
			ids, err := doc.RefNodeIDs(ctx, ref)
			if err != nil {
				continue
			}
			nodes, err := doc.GetMany(ctx, ids)
			if err != nil {
				continue
			}
			fps = append(fps, fingerprints(nodes)...)
		}
		if err := vec.DeleteByRefDocIDs(ctx, refs); err != nil {
			return fmt.Errorf("ingest: delete source %s vectors: %w", base, err)
		}
		if err := doc.DeleteRefs(ctx, refs); err != nil {
			return fmt.Errorf("ingest: delete source %s docstore: %w", base, err)
		}
		if err := ic.Del(ctx, fps...); err != nil {
			p.log.Warn("cache delete failed", "source", base, "error", err)
		}
	}
	if p.lineage != nil {
		if err := p.lineage.DeleteSource(ctx, base); err != nil {
			p.log.Warn("lineage delete failed", "source", base, "error", err)
		}
	}
	return nil
}
