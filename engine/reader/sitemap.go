package reader

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"

	"github.com/tesserai/tessera/engine/domain"
)

const (
	maxSitemapURLs  = 500
	maxSitemapDepth = 2
)

type sitemapURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName xml.Name `xml:"sitemapindex"`
	Maps    []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// SitemapReader expands a sitemap (or sitemap index) and loads every
// listed page through a WebReader.
type SitemapReader struct {
	fetch *Fetcher
	web   *WebReader
	log   *slog.Logger
}

// NewSitemapReader builds a SitemapReader.
func NewSitemapReader(fetch *Fetcher, web *WebReader, logger *slog.Logger) *SitemapReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &SitemapReader{fetch: fetch, web: web, log: logger}
}

// Load fetches the sitemap and every page it lists. A page that
// fails to load is logged and skipped; an entirely empty expansion
// is ErrEmptySource.
func (r *SitemapReader) Load(ctx context.Context, sitemapURL string) ([]domain.Document, error) {
	urls, err := r.expand(ctx, sitemapURL, 0)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("reader: sitemap %s: %w", sitemapURL, domain.ErrEmptySource)
	}

	var docs []domain.Document
	// One asset cache for the whole crawl keeps shared images from
	// downloading once per page.
	cache := make(assetCache)
	for _, u := range urls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pageDocs, err := r.web.loadPage(ctx, u, cache)
		if err != nil {
			r.log.Warn("sitemap page failed", "url", u, "error", err)
			continue
		}
		docs = append(docs, pageDocs...)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("reader: sitemap %s: %w", sitemapURL, domain.ErrEmptySource)
	}
	return docs, nil
}

// expand resolves a sitemap into page URLs, following nested sitemap
// indexes up to maxSitemapDepth.
func (r *SitemapReader) expand(ctx context.Context, sitemapURL string, depth int) ([]string, error) {
	body, _, err := r.fetch.Get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		urls := make([]string, 0, len(set.URLs))
		for _, u := range set.URLs {
			if u.Loc == "" {
				continue
			}
			if len(urls) >= maxSitemapURLs {
				r.log.Warn("sitemap truncated", "url", sitemapURL, "cap", maxSitemapURLs)
				break
			}
			urls = append(urls, u.Loc)
		}
		return urls, nil
	}

	var idx sitemapIndex
	if err := xml.Unmarshal(body, &idx); err != nil || len(idx.Maps) == 0 {
		return nil, fmt.Errorf("reader: sitemap %s: not a urlset or index", sitemapURL)
	}
	if depth >= maxSitemapDepth {
		return nil, fmt.Errorf("reader: sitemap %s: index nesting too deep", sitemapURL)
	}
	var urls []string
	for _, m := range idx.Maps {
		if m.Loc == "" {
			continue
		}
		nested, err := r.expand(ctx, m.Loc, depth+1)
		if err != nil {
			r.log.Warn("nested sitemap failed", "url", m.Loc, "error", err)
			continue
		}
		urls = append(urls, nested...)
		if len(urls) >= maxSitemapURLs {
			urls = urls[:maxSitemapURLs]
			break
		}
	}
	return urls, nil
}
