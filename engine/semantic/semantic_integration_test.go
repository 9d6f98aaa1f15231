//go:build integration

package semantic

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tesserai/tessera/engine/domain"
)

// Requires a running Qdrant, e.g.
//
//	docker run -p 6334:6334 qdrant/qdrant
//	QDRANT_URL=localhost:6334 go test -tags integration ./engine/semantic/
func TestStoreAgainstQdrant(t *testing.T) {
	addr := os.Getenv("QDRANT_URL")
	if addr == "" {
		t.Skipf("QDRANT_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := NewManager(addr, "itest", "kb", []Space{
		{Modality: domain.ModalityText, Key: "itest_space", Dim: 4},
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	s, err := m.Store(domain.ModalityText)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Ensure(ctx); err != nil {
		t.Skipf("qdrant unavailable: %v", err)
	}
	defer s.Drop(ctx)

	n := domain.Node{
		ID:       "0c9d2a34-0000-4000-8000-000000000001",
		RefDocID: "file_path:/it_file_size:1_file_lastmod_at:1_page_no:0_url:",
		Modality: domain.ModalityText,
		Text:     "integration chunk",
		Meta:     domain.BasicMeta{FilePath: "/it", FileSize: 1, FileLastModAt: 1},
		Vector:   []float32{1, 0, 0, 0},
	}
	if err := s.Upsert(ctx, []domain.Node{n}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := s.Query(ctx, []float32{1, 0, 0, 0}, 3, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].Node.Text != "integration chunk" {
		t.Fatalf("hits = %+v", hits)
	}

	count, err := s.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Count = %d, %v", count, err)
	}

	if err := s.DeleteByRefDocIDs(ctx, []string{n.RefDocID}); err != nil {
		t.Fatalf("DeleteByRefDocIDs: %v", err)
	}
	count, err = s.Count(ctx)
	if err != nil || count != 0 {
		t.Fatalf("post-delete Count = %d, %v", count, err)
	}
}
