// Package cache is the Redis-backed ingestion cache. Each embedding
// space has one collection mapping a content fingerprint to the node
// ids its transform produced; a hit means chunking and embedding can
// be skipped for that input. Collections can be snapshotted to disk
// and restored, so a fresh Redis does not force full re-ingestion.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/tesserai/tessera/engine/domain"
)

// Cache is the ingestion cache for a single embedding space.
type Cache struct {
	rdb        *redis.Client
	collection string
	modality   domain.Modality
}

func newCache(rdb *redis.Client, collection string, modality domain.Modality) *Cache {
	return &Cache{rdb: rdb, collection: collection, modality: modality}
}

// Collection returns the Redis hash key backing this cache.
func (c *Cache) Collection() string { return c.collection }

// Modality returns the space's modality.
func (c *Cache) Modality() domain.Modality { return c.modality }

// Put records the node ids produced for a fingerprint.
func (c *Cache) Put(ctx context.Context, fingerprint string, nodeIDs []string) error {
	if fingerprint == "" {
		return nil
	}
	raw, err := json.Marshal(nodeIDs)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", fingerprint, err)
	}
	if err := c.rdb.HSet(ctx, c.collection, fingerprint, raw).Err(); err != nil {
		return fmt.Errorf("cache: hset %s: %w", c.collection, err)
	}
	return nil
}

// PutMany records several fingerprints in one call. Entries with an
// empty fingerprint are dropped.
func (c *Cache) PutMany(ctx context.Context, entries map[string][]string) error {
	pairs := make([]any, 0, len(entries)*2)
	for fp, ids := range entries {
		if fp == "" {
			continue
		}
		raw, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("cache: marshal %s: %w", fp, err)
		}
		pairs = append(pairs, fp, raw)
	}
	if len(pairs) == 0 {
		return nil
	}
	if err := c.rdb.HSet(ctx, c.collection, pairs...).Err(); err != nil {
		return fmt.Errorf("cache: hset %s: %w", c.collection, err)
	}
	return nil
}

// Get returns the node ids cached for a fingerprint. The second
// return is false on a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) ([]string, bool, error) {
	raw, err := c.rdb.HGet(ctx, c.collection, fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: hget %s: %w", c.collection, err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, false, fmt.Errorf("cache: decode %s: %w", fingerprint, err)
	}
	return ids, true, nil
}

// Del removes fingerprints, for rollback after a failed commit.
func (c *Cache) Del(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	if err := c.rdb.HDel(ctx, c.collection, fingerprints...).Err(); err != nil {
		return fmt.Errorf("cache: hdel %s: %w", c.collection, err)
	}
	return nil
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len(ctx context.Context) (int64, error) {
	n, err := c.rdb.HLen(ctx, c.collection).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: hlen %s: %w", c.collection, err)
	}
	return n, nil
}

// Clear drops the collection.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.collection).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", c.collection, err)
	}
	return nil
}

// Persist snapshots the collection to dir as <collection>.json. The
// write is atomic: a temp file in the same directory is renamed over
// the target.
func (c *Cache) Persist(ctx context.Context, dir string) error {
	entries, err := c.rdb.HGetAll(ctx, c.collection).Result()
	if err != nil {
		return fmt.Errorf("cache: hgetall %s: %w", c.collection, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: mkdir %s: %w", dir, err)
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal snapshot %s: %w", c.collection, err)
	}
	target := filepath.Join(dir, c.collection+".json")
	tmp, err := os.CreateTemp(dir, c.collection+".*.tmp")
	if err != nil {
		return fmt.Errorf("cache: temp snapshot: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: rename snapshot: %w", err)
	}
	return nil
}

// Restore loads a snapshot written by Persist. Entries already in
// Redis win over snapshot entries.
func (c *Cache) Restore(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, c.collection+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: read snapshot %s: %w", c.collection, err)
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("cache: decode snapshot %s: %w", c.collection, err)
	}
	for fp, val := range entries {
		if err := c.rdb.HSetNX(ctx, c.collection, fp, val).Err(); err != nil {
			return fmt.Errorf("cache: hsetnx %s: %w", c.collection, err)
		}
	}
	return nil
}
