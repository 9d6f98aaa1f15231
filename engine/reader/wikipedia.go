package reader

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/tesserai/tessera/engine/domain"
)

// wikipediaChrome lists classes pruned from article markup: edit
// links, citation markers, navigation boxes.
var wikipediaChrome = []string{
	"mw-editsection", "reference", "reflist", "navbox",
	"mw-jump-link", "hatnote", "sidebar", "mbox-small",
}

// WikipediaReader fetches articles by title and extracts the article
// body (the mw-parser-output subtree).
type WikipediaReader struct {
	fetch  *Fetcher
	tmpDir string
	lang   string
	assets map[domain.Modality]bool
	log    *slog.Logger
}

// NewWikipediaReader builds a reader for the given language edition;
// empty lang means English. assets lists the modalities whose article
// media gets downloaded.
func NewWikipediaReader(fetch *Fetcher, tmpDir, lang string, assets map[domain.Modality]bool, logger *slog.Logger) *WikipediaReader {
	if lang == "" {
		lang = "en"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WikipediaReader{fetch: fetch, tmpDir: tmpDir, lang: lang, assets: assets, log: logger}
}

// ArticleURL returns the canonical URL for a title.
func (r *WikipediaReader) ArticleURL(title string) string {
	slug := url.PathEscape(strings.ReplaceAll(strings.TrimSpace(title), " ", "_"))
	return fmt.Sprintf("https://%s.wikipedia.org/wiki/%s", r.lang, slug)
}

// Load fetches one article. Accepts either a bare title or a full
// wikipedia.org URL.
func (r *WikipediaReader) Load(ctx context.Context, title string) ([]domain.Document, error) {
	articleURL := title
	if !strings.Contains(title, "wikipedia.org/") {
		articleURL = r.ArticleURL(title)
	}
	pageURL, err := url.Parse(articleURL)
	if err != nil {
		return nil, fmt.Errorf("reader: wikipedia %q: %w", title, domain.ErrEmptySource)
	}

	body, header, err := r.fetch.Get(ctx, articleURL)
	if err != nil {
		return nil, err
	}
	page, err := ExtractHTML(body, pageURL, ExtractOpts{
		ContentClass: "mw-parser-output",
		SkipClasses:  wikipediaChrome,
	})
	if err != nil {
		return nil, err
	}
	if page.Text == "" {
		return nil, fmt.Errorf("reader: wikipedia %s: %w", articleURL, domain.ErrEmptySource)
	}

	docs := []domain.Document{{
		Text:     page.Title + "\n\n" + page.Text,
		Modality: domain.ModalityText,
		Meta: domain.BasicMeta{
			URL:           articleURL,
			FileType:      "text/html",
			FileSize:      int64(len(body)),
			FileLastModAt: lastModified(header),
			BaseSource:    articleURL,
		},
	}}

	if len(r.assets) > 0 {
		// Wikipedia media lives on upload.wikimedia.org, so origin
		// checks must stay off here.
		web := &WebReader{fetch: r.fetch, tmpDir: r.tmpDir, sameOrigin: false, assets: r.assets, log: r.log}
		docs = append(docs, web.downloadAssets(ctx, pageURL, articleURL, page.Assets, make(assetCache))...)
	}
	return docs, nil
}
