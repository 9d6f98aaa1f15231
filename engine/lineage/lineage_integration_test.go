//go:build integration

package lineage

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/tesserai/tessera/engine/domain"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	url := os.Getenv("NEO4J_URL")
	if url == "" {
		url = "neo4j://localhost:7687"
	}
	driver, err := neo4j.NewDriverWithContext(url, neo4j.NoAuth())
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		t.Skipf("neo4j unavailable: %v", err)
	}
	t.Cleanup(func() {
		sess := driver.NewSession(ctx, neo4j.SessionConfig{})
		sess.Run(ctx, "MATCH (n) DETACH DELETE n", nil)
		sess.Close(ctx)
		driver.Close(ctx)
	})
	return NewWithDriver(driver, nil)
}

func TestRecordAndTrace(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	page := domain.Node{
		ID:       "chunk-1",
		RefDocID: "ref-page",
		Modality: domain.ModalityText,
		Meta:     domain.BasicMeta{URL: "https://example.com/p", BaseSource: "https://example.com/p"},
	}
	asset := domain.Node{
		ID:       "chunk-2",
		RefDocID: "ref-asset",
		Modality: domain.ModalityImage,
		Meta:     domain.BasicMeta{FilePath: "/tmp/x.png", AssetNo: 1, BaseSource: "https://example.com/p"},
	}
	if err := r.RecordBatch(ctx, []domain.Node{page, asset}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	srcs, err := r.Sources(ctx, "chunk-2")
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	if len(srcs) != 2 {
		t.Fatalf("sources = %+v", srcs)
	}
	if srcs[0].ID != "/tmp/x.png" || srcs[1].ID != "https://example.com/p" {
		t.Fatalf("chain = %+v", srcs)
	}

	if err := r.DeleteSource(ctx, "https://example.com/p"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	srcs, err = r.Sources(ctx, "chunk-2")
	if err != nil {
		t.Fatalf("Sources after delete: %v", err)
	}
	if len(srcs) != 0 {
		t.Fatalf("cascade left sources: %+v", srcs)
	}
}
