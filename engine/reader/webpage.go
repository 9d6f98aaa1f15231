package reader

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/tesserai/tessera/engine/domain"
)

// maxPageAssets caps how many downloads one page may trigger.
const maxPageAssets = 32

// assetCache interns asset URLs for the length of one crawl, so an
// asset shared across pages is fetched once. Each top-level load
// owns its own cache.
type assetCache map[string]bool

// intern records u and reports whether it had been seen before.
func (c assetCache) intern(u string) bool {
	if c[u] {
		return true
	}
	c[u] = true
	return false
}

// WebReader fetches a page and turns it into a text document plus,
// optionally, downloaded assets.
type WebReader struct {
	fetch      *Fetcher
	tmpDir     string
	sameOrigin bool
	assets     map[domain.Modality]bool
	pdf        *PDFReader
	log        *slog.Logger
}

// WebReaderOpts configures a WebReader. Assets lists the modalities
// whose page assets are downloaded and should track the enabled
// embedding spaces; without a space the downloads would be dead
// weight. PDF, when set, reads linked PDF files into page documents.
type WebReaderOpts struct {
	Fetch      *Fetcher
	TmpDir     string
	SameOrigin bool
	Assets     map[domain.Modality]bool
	PDF        *PDFReader
	Log        *slog.Logger
}

// NewWebReader builds a WebReader.
func NewWebReader(opts WebReaderOpts) *WebReader {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &WebReader{
		fetch:      opts.Fetch,
		tmpDir:     opts.TmpDir,
		sameOrigin: opts.SameOrigin,
		assets:     opts.Assets,
		pdf:        opts.PDF,
		log:        opts.Log,
	}
}

// LoadURL fetches one page. The page text becomes a text document
// keyed by URL; each kept asset becomes a document whose identity is
// its URL plus downloaded size.
func (w *WebReader) LoadURL(ctx context.Context, rawURL string) ([]domain.Document, error) {
	return w.loadPage(ctx, rawURL, make(assetCache))
}

// loadPage is LoadURL with the crawl's asset cache threaded through,
// for callers loading many pages as one crawl.
func (w *WebReader) loadPage(ctx context.Context, rawURL string, cache assetCache) ([]domain.Document, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil || pageURL.Host == "" {
		return nil, fmt.Errorf("reader: url %q: %w", rawURL, domain.ErrEmptySource)
	}
	body, header, err := w.fetch.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	page, err := ExtractHTML(body, pageURL, ExtractOpts{})
	if err != nil {
		return nil, err
	}

	var docs []domain.Document
	text := page.Text
	if page.Title != "" {
		text = page.Title + "\n\n" + text
	}
	if page.Text != "" {
		docs = append(docs, domain.Document{
			Text:     text,
			Modality: domain.ModalityText,
			Meta: domain.BasicMeta{
				URL:           rawURL,
				FileType:      "text/html",
				FileSize:      int64(len(body)),
				FileLastModAt: lastModified(header),
				BaseSource:    rawURL,
			},
		})
	}

	if len(w.assets) > 0 || w.pdf != nil {
		docs = append(docs, w.downloadAssets(ctx, pageURL, rawURL, page.Assets, cache)...)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("reader: %s: %w", rawURL, domain.ErrEmptySource)
	}
	return docs, nil
}

// downloadAssets fetches the page's discovered asset URLs, keeping
// those whose modality has an embedding space. Linked PDFs go through
// the page-splitting reader.
func (w *WebReader) downloadAssets(ctx context.Context, pageURL *url.URL, base string, assets []string, cache assetCache) []domain.Document {
	var docs []domain.Document
	fetched := 0
	assetNo := 0
	for _, asset := range assets {
		if ctx.Err() != nil {
			return docs
		}
		if fetched >= maxPageAssets {
			w.log.Debug("asset cap reached", "page", base)
			return docs
		}
		// Interned before the checks so a rejected or failed URL is
		// not re-examined on later pages of the crawl.
		if cache.intern(asset) {
			continue
		}

		u, err := url.Parse(asset)
		if err != nil {
			continue
		}
		if w.sameOrigin && u.Host != pageURL.Host {
			continue
		}
		mod, ok := domain.Classify(u.Path, nil)
		if !ok {
			continue
		}
		if domain.IsPDF(u.Path) {
			if w.pdf == nil {
				continue
			}
			fetched++
			docs = append(docs, w.downloadPDF(ctx, asset, base)...)
			continue
		}
		if mod == domain.ModalityText || !w.assets[mod] {
			continue
		}
		fetched++
		dst, size, err := w.fetch.Download(ctx, asset, w.tmpDir)
		if err != nil {
			w.log.Warn("asset download failed", "url", asset, "error", err)
			continue
		}
		assetNo++
		docs = append(docs, domain.Document{
			MediaPath: dst,
			Modality:  mod,
			Meta: domain.BasicMeta{
				FilePath:     dst,
				TempFilePath: dst,
				FileType:     fileType(dst),
				FileSize:     size,
				URL:          asset,
				BaseSource:   base,
				AssetNo:      assetNo,
			},
		})
	}
	return docs
}

// downloadPDF fetches a linked PDF and reads it through the page
// splitter. The documents keep the link URL as their identity, not
// the scratch file the bytes landed in.
func (w *WebReader) downloadPDF(ctx context.Context, rawURL, base string) []domain.Document {
	dst, _, err := w.fetch.Download(ctx, rawURL, w.tmpDir)
	if err != nil {
		w.log.Warn("asset download failed", "url", rawURL, "error", err)
		return nil
	}
	docs, err := w.pdf.Read(ctx, dst)
	if err != nil {
		w.log.Warn("linked pdf skipped", "url", rawURL, "error", err)
		return nil
	}
	for i := range docs {
		docs[i].Meta.URL = rawURL
		docs[i].Meta.BaseSource = base
		if docs[i].Meta.TempFilePath == "" {
			docs[i].Meta.TempFilePath = dst
		}
	}
	return docs
}
