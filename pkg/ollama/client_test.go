package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbedDecodesVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req["model"] != "nomic-embed-text" {
			t.Errorf("model = %q", req["model"])
		}
		// Vector varies by prompt so ordering is observable.
		v := 1.0
		if strings.Contains(req["prompt"], "second") {
			v = 2.0
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{v, v}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	vecs, err := c.Embed(context.Background(), "nomic-embed-text", []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Fatalf("vecs = %v", vecs)
	}
}

func TestEmbedSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).EmbedOne(context.Background(), "missing", "x")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != false {
			t.Errorf("stream must be false")
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "a short summary"})
	}))
	defer srv.Close()

	got, err := New(srv.URL).Generate(context.Background(), "llama3.2", "Summarize this")
	if err != nil || got != "a short summary" {
		t.Fatalf("Generate = (%q, %v)", got, err)
	}
}
