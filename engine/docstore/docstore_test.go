package docstore

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tesserai/tessera/engine/domain"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManagerWithClient(client, "pj", "kb", map[domain.Modality]string{
		domain.ModalityText:  "sp_te",
		domain.ModalityImage: "sp_im",
	}, nil)
}

func textNode(id, text string, chunk int) domain.Node {
	return domain.Node{
		ID:       id,
		RefDocID: "file_path:/a_file_size:9_file_lastmod_at:5_page_no:0_url:",
		Modality: domain.ModalityText,
		Text:     text,
		Meta:     domain.BasicMeta{FilePath: "/a", FileSize: 9, FileLastModAt: 5, ChunkNo: chunk, BaseSource: "/a"},
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	m := testManager(t)
	s, err := m.Store(domain.ModalityText)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	ctx := context.Background()

	in := textNode("n1", "hello chunk", 0)
	if err := s.Upsert(ctx, []domain.Node{in}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != in.Text || got.RefDocID != in.RefDocID || got.Meta.BaseSource != "/a" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.Modality != domain.ModalityText {
		t.Fatalf("modality = %s", got.Modality)
	}
}

func TestGetMissing(t *testing.T) {
	m := testManager(t)
	s, _ := m.Store(domain.ModalityText)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetManySkipsMissing(t *testing.T) {
	m := testManager(t)
	s, _ := m.Store(domain.ModalityText)
	ctx := context.Background()
	s.Upsert(ctx, []domain.Node{textNode("a", "one", 0), textNode("c", "three", 2)})

	nodes, err := s.GetMany(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != "a" || nodes[1].ID != "c" {
		t.Fatalf("nodes = %+v", nodes)
	}
}

func TestAllAndCount(t *testing.T) {
	m := testManager(t)
	s, _ := m.Store(domain.ModalityText)
	ctx := context.Background()
	want := []string{"x1", "x2", "x3"}
	for i, id := range want {
		s.Upsert(ctx, []domain.Node{textNode(id, "t", i)})
	}

	n, err := s.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	ids := make([]string, len(all))
	for i, node := range all {
		ids[i] = node.ID
	}
	sort.Strings(ids)
	if len(ids) != 3 || ids[0] != "x1" || ids[2] != "x3" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestRefLifecycle(t *testing.T) {
	m := testManager(t)
	s, _ := m.Store(domain.ModalityText)
	ctx := context.Background()
	ref := "file_path:/a_file_size:9_file_lastmod_at:5_page_no:0_url:"

	if _, ok, err := s.CurrentHash(ctx, ref); err != nil || ok {
		t.Fatalf("unknown source: ok=%v err=%v", ok, err)
	}

	s.Upsert(ctx, []domain.Node{textNode("n1", "v1 chunk", 0)})
	if err := s.SetRef(ctx, ref, "hash-v1", []string{"n1"}); err != nil {
		t.Fatalf("SetRef: %v", err)
	}
	h, ok, err := s.CurrentHash(ctx, ref)
	if err != nil || !ok || h != "hash-v1" {
		t.Fatalf("CurrentHash = (%q, %v, %v)", h, ok, err)
	}

	// A re-commit with new content keeps the old ids reachable.
	s.Upsert(ctx, []domain.Node{textNode("n2", "v2 chunk", 0)})
	s.SetRef(ctx, ref, "hash-v2", []string{"n2"})
	ids, err := s.RefNodeIDs(ctx, ref)
	if err != nil {
		t.Fatalf("RefNodeIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}

	refs, err := s.Refs(ctx)
	if err != nil || len(refs) != 1 || refs[0] != ref {
		t.Fatalf("Refs = %v, %v", refs, err)
	}

	if err := s.DeleteRefs(ctx, []string{ref}); err != nil {
		t.Fatalf("DeleteRefs: %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("count after DeleteRefs = %d", n)
	}
	if _, ok, _ := s.CurrentHash(ctx, ref); ok {
		t.Fatal("ref entry should be gone")
	}
}

func TestDeleteByIDsTolerant(t *testing.T) {
	m := testManager(t)
	s, _ := m.Store(domain.ModalityText)
	ctx := context.Background()
	s.Upsert(ctx, []domain.Node{textNode("keep", "k", 0), textNode("drop", "d", 1)})

	if err := s.DeleteByIDs(ctx, []string{"drop", "never-existed"}); err != nil {
		t.Fatalf("DeleteByIDs: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestClear(t *testing.T) {
	m := testManager(t)
	s, _ := m.Store(domain.ModalityText)
	ctx := context.Background()
	s.Upsert(ctx, []domain.Node{textNode("n1", "t", 0)})
	s.SetRef(ctx, "ref", "h", []string{"n1"})

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("count = %d", n)
	}
	if _, ok, _ := s.CurrentHash(ctx, "ref"); ok {
		t.Fatal("refs should be cleared")
	}
}

func TestStoreLookupDisabledModality(t *testing.T) {
	m := testManager(t)
	_, err := m.Store(domain.ModalityVideo)
	if !errors.Is(err, domain.ErrModalityDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestHealth(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, _ := m.Store(domain.ModalityText)
	s.Upsert(ctx, []domain.Node{textNode("n1", "t", 0)})

	got := m.Health(ctx)
	if got != "ok: text=1 image=0" {
		t.Fatalf("Health = %q", got)
	}
}

func TestSpacesAreIsolated(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	text, _ := m.Store(domain.ModalityText)
	image, _ := m.Store(domain.ModalityImage)

	text.Upsert(ctx, []domain.Node{textNode("n1", "t", 0)})
	if n, _ := image.Count(ctx); n != 0 {
		t.Fatalf("image space sees text writes: %d", n)
	}
}
