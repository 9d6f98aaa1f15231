package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("ingest_docs_total", "docs seen")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("counter = %d", c.Value())
	}

	g := r.Gauge("queue_depth", "pending jobs")
	g.Set(3)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 2 {
		t.Fatalf("gauge = %d", g.Value())
	}

	// Same name returns the same instance.
	if r.Counter("ingest_docs_total", "") != c {
		t.Fatalf("counter not memoized")
	}
}

func TestLabeledSeriesShareFamily(t *testing.T) {
	r := New()
	r.Counter(WithLabels("query_total", "modality", "text"), "queries").Add(2)
	r.Counter(WithLabels("query_total", "modality", "image"), "queries").Inc()

	out := r.Render()
	if strings.Count(out, "# TYPE query_total counter") != 1 {
		t.Fatalf("family header should render once:\n%s", out)
	}
	if !strings.Contains(out, `query_total{modality="image"} 1`) ||
		!strings.Contains(out, `query_total{modality="text"} 2`) {
		t.Fatalf("missing labeled series:\n%s", out)
	}
}

func TestHistogramRendersCumulative(t *testing.T) {
	r := New()
	h := r.Histogram("embed_seconds", "embed latency", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(0.7)
	h.Observe(20)

	out := r.Render()
	checks := []string{
		`embed_seconds_bucket{le="0.1"} 1`,
		`embed_seconds_bucket{le="1"} 3`,
		`embed_seconds_bucket{le="10"} 3`,
		`embed_seconds_bucket{le="+Inf"} 4`,
		`embed_seconds_count 4`,
	}
	for _, want := range checks {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWithLabels(t *testing.T) {
	if got := WithLabels("m", "a", "1", "b", "2"); got != `m{a="1",b="2"}` {
		t.Fatalf("WithLabels = %q", got)
	}
	if got := WithLabels("m", "odd"); got != "m" {
		t.Fatalf("odd pairs should return base name, got %q", got)
	}
	if got := WithLabels("m"); got != "m" {
		t.Fatalf("no pairs should return base name, got %q", got)
	}
}

func TestHandlerContentType(t *testing.T) {
	r := New()
	r.Counter("x_total", "x").Inc()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "x_total 1") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
