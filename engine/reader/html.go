package reader

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/tesserai/tessera/engine/domain"
)

// Page is the content extracted from one HTML document. Assets holds
// the absolute URLs of downloadable files the page references.
type Page struct {
	Title  string
	Text   string
	Assets []string
}

// ExtractOpts narrows extraction. ContentClass restricts text to the
// first element carrying that class; SkipClasses prunes subtrees by
// class (navigation chrome, edit links).
type ExtractOpts struct {
	ContentClass string
	SkipClasses  []string
}

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"form": true, "iframe": true, "svg": true, "button": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "td": true, "th": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "section": true, "article": true,
	"ul": true, "ol": true, "table": true, "figcaption": true, "dd": true, "dt": true,
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// ExtractHTML parses raw HTML into title, readable text, and asset
// URLs found in img src, source srcset, and links to downloadable
// files. base resolves relative references; a nil base keeps only
// absolute URLs.
func ExtractHTML(raw []byte, base *url.URL, opts ExtractOpts) (Page, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return Page{}, fmt.Errorf("reader: parse html: %w", err)
	}

	page := Page{Title: findTitle(doc)}

	root := doc
	if opts.ContentClass != "" {
		if n := findByClass(doc, opts.ContentClass); n != nil {
			root = n
		}
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skipTags[n.Data] || hasAnyClass(n, opts.SkipClasses) {
				return
			}
			switch n.Data {
			case "img":
				if src := resolveAttr(n, "src", base); src != "" {
					page.Assets = append(page.Assets, src)
				}
				return
			case "source":
				page.Assets = append(page.Assets, srcsetURLs(n, base)...)
				return
			case "a":
				// Links to files are assets; links to pages are
				// navigation. Anchor text stays part of the page either
				// way.
				if href := resolveAttr(n, "href", base); href != "" && fetchTarget(href) {
					page.Assets = append(page.Assets, href)
				}
			case "br":
				sb.WriteByte('\n')
			}
		case html.TextNode:
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			sb.WriteString("\n\n")
		}
	}
	walk(root)

	page.Text = normalizeText(sb.String())
	return page, nil
}

func findTitle(doc *html.Node) string {
	var title string
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}

func findByClass(doc *html.Node, class string) *html.Node {
	var found *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && nodeHasClass(n, class) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

func nodeHasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func hasAnyClass(n *html.Node, classes []string) bool {
	for _, c := range classes {
		if nodeHasClass(n, c) {
			return true
		}
	}
	return false
}

func resolveAttr(n *html.Node, key string, base *url.URL) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return resolveRef(a.Val, base)
		}
	}
	return ""
}

// srcsetURLs resolves the URL of each srcset candidate, dropping the
// density/width descriptors.
func srcsetURLs(n *html.Node, base *url.URL) []string {
	var raw string
	for _, a := range n.Attr {
		if a.Key == "srcset" {
			raw = a.Val
			break
		}
	}
	var out []string
	for _, cand := range strings.Split(raw, ",") {
		fields := strings.Fields(cand)
		if len(fields) == 0 {
			continue
		}
		if u := resolveRef(fields[0], base); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// fetchTarget reports whether a URL's path names a downloadable
// asset. Media extensions and PDFs qualify; page extensions and
// unrecognized paths are navigation.
func fetchTarget(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	mod, ok := domain.Classify(u.Path, nil)
	if !ok {
		return false
	}
	return mod != domain.ModalityText || domain.IsPDF(u.Path)
}

func resolveRef(raw string, base *url.URL) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// normalizeText collapses intra-line whitespace and runs of blank
// lines while keeping paragraph breaks.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	out := strings.Join(lines, "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
