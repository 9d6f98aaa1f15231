package reader

import (
	"net/url"
	"strings"
	"testing"
)

const samplePage = `<!doctype html>
<html>
<head><title>Brake Pads</title><style>p { color: red }</style></head>
<body>
<nav><a href="/">home</a></nav>
<article>
  <h1>Brake Pads</h1>
  <p>Pads press   against the rotor.</p>
  <script>alert("no")</script>
  <p>Replace them <b>in pairs</b>.</p>
  <span class="edit-link">[edit]</span>
  <img src="/img/pads.png" alt="pads">
  <img src="https://cdn.example.net/rotor.jpg">
  <img src="data:image/gif;base64,R0lGOD">
  <p>See the <a href="/docs/manual.pdf">full manual</a> or the <a href="/guide/rotors.html">rotor guide</a>.</p>
  <picture>
    <source srcset="/img/wear-480.webp 480w, /img/wear-800.webp 800w">
    <img src="/img/wear.png">
  </picture>
</article>
<footer>copyright</footer>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	base, _ := url.Parse("https://example.com/guide/brakes")
	page, err := ExtractHTML([]byte(samplePage), base, ExtractOpts{})
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if page.Title != "Brake Pads" {
		t.Fatalf("title = %q", page.Title)
	}
	if !strings.Contains(page.Text, "Pads press against the rotor.") {
		t.Fatalf("whitespace not collapsed:\n%s", page.Text)
	}
	if !strings.Contains(page.Text, "Replace them in pairs.") {
		t.Fatalf("inline markup lost:\n%s", page.Text)
	}
	for _, banned := range []string{"alert", "color: red", "home", "copyright"} {
		if strings.Contains(page.Text, banned) {
			t.Fatalf("chrome leaked %q:\n%s", banned, page.Text)
		}
	}
	if !strings.Contains(page.Text, "full manual") {
		t.Fatalf("anchor text lost:\n%s", page.Text)
	}
	want := []string{
		"https://example.com/img/pads.png",
		"https://cdn.example.net/rotor.jpg",
		"https://example.com/docs/manual.pdf",
		"https://example.com/img/wear-480.webp",
		"https://example.com/img/wear-800.webp",
		"https://example.com/img/wear.png",
	}
	if len(page.Assets) != len(want) {
		t.Fatalf("assets = %v", page.Assets)
	}
	for i, w := range want {
		if page.Assets[i] != w {
			t.Fatalf("asset %d = %s, want %s", i, page.Assets[i], w)
		}
	}
	// The .html link is navigation, not an asset.
	for _, a := range page.Assets {
		if strings.Contains(a, "rotors.html") {
			t.Fatalf("page link collected as asset: %v", page.Assets)
		}
	}
}

func TestExtractHTMLContentClass(t *testing.T) {
	raw := `<html><body>
<div class="junk"><p>ignore me</p></div>
<div class="mw-parser-output other"><p>keep me</p><span class="mw-editsection">[edit]</span></div>
</body></html>`
	page, err := ExtractHTML([]byte(raw), nil, ExtractOpts{
		ContentClass: "mw-parser-output",
		SkipClasses:  []string{"mw-editsection"},
	})
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if page.Text != "keep me" {
		t.Fatalf("text = %q", page.Text)
	}
}

func TestExtractHTMLParagraphBreaks(t *testing.T) {
	raw := `<html><body><p>one</p><p>two</p><p>three</p></body></html>`
	page, err := ExtractHTML([]byte(raw), nil, ExtractOpts{})
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if got := strings.Count(page.Text, "\n\n"); got != 2 {
		t.Fatalf("paragraph breaks = %d in %q", got, page.Text)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  a   b  ", "a b"},
		{"a\n\n\n\n\nb", "a\n\nb"},
		{"\n\n", ""},
		{"line\t with\ttabs", "line with tabs"},
	}
	for _, tt := range tests {
		if got := normalizeText(tt.in); got != tt.want {
			t.Errorf("normalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
