package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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
		domain.ModalityText: "sp_te",
	}, nil)
}

func TestPutGetDel(t *testing.T) {
	m := testManager(t)
	c, err := m.Cache(domain.ModalityText)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	ctx := context.Background()

	if _, hit, err := c.Get(ctx, "fp1"); err != nil || hit {
		t.Fatalf("cold get: hit=%v err=%v", hit, err)
	}
	if err := c.Put(ctx, "fp1", []string{"n1", "n2"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ids, hit, err := c.Get(ctx, "fp1")
	if err != nil || !hit {
		t.Fatalf("Get: hit=%v err=%v", hit, err)
	}
	if len(ids) != 2 || ids[0] != "n1" {
		t.Fatalf("ids = %v", ids)
	}
	if err := c.Del(ctx, "fp1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, hit, _ := c.Get(ctx, "fp1"); hit {
		t.Fatal("deleted entry still hits")
	}
}

func TestPutEmptyFingerprintIgnored(t *testing.T) {
	m := testManager(t)
	c, _ := m.Cache(domain.ModalityText)
	ctx := context.Background()
	if err := c.Put(ctx, "", []string{"n1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n, _ := c.Len(ctx); n != 0 {
		t.Fatalf("Len = %d", n)
	}
}

func TestClear(t *testing.T) {
	m := testManager(t)
	c, _ := m.Cache(domain.ModalityText)
	ctx := context.Background()
	c.Put(ctx, "fp1", []string{"n1"})
	c.Put(ctx, "fp2", []string{"n2"})
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := c.Len(ctx); n != 0 {
		t.Fatalf("Len = %d", n)
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	m := testManager(t)
	c, _ := m.Cache(domain.ModalityText)
	ctx := context.Background()
	dir := t.TempDir()

	c.Put(ctx, "fp1", []string{"n1"})
	c.Put(ctx, "fp2", []string{"n2", "n3"})
	if err := m.PersistAll(ctx, dir); err != nil {
		t.Fatalf("PersistAll: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, c.Collection()+".json")); err != nil {
		t.Fatalf("snapshot file: %v", err)
	}

	c.Clear(ctx)
	if err := m.RestoreAll(ctx, dir); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	ids, hit, err := c.Get(ctx, "fp2")
	if err != nil || !hit || len(ids) != 2 {
		t.Fatalf("restored get = (%v, %v, %v)", ids, hit, err)
	}
}

func TestRestoreKeepsLiveEntries(t *testing.T) {
	m := testManager(t)
	c, _ := m.Cache(domain.ModalityText)
	ctx := context.Background()
	dir := t.TempDir()

	c.Put(ctx, "fp1", []string{"old"})
	m.PersistAll(ctx, dir)

	c.Put(ctx, "fp1", []string{"live"})
	if err := m.RestoreAll(ctx, dir); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	ids, _, _ := c.Get(ctx, "fp1")
	if len(ids) != 1 || ids[0] != "live" {
		t.Fatalf("live entry overwritten: %v", ids)
	}
}

func TestRestoreMissingSnapshotIsNoop(t *testing.T) {
	m := testManager(t)
	if err := m.RestoreAll(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
}

func TestPersistAllEmptyDirSkipped(t *testing.T) {
	m := testManager(t)
	if err := m.PersistAll(context.Background(), ""); err != nil {
		t.Fatalf("PersistAll: %v", err)
	}
}

func TestCacheLookupDisabledModality(t *testing.T) {
	m := testManager(t)
	_, err := m.Cache(domain.ModalityAudio)
	if !errors.Is(err, domain.ErrModalityDisabled) {
		t.Fatalf("err = %v", err)
	}
}
