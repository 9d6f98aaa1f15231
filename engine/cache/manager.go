package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tesserai/tessera/engine/domain"
)

// Manager owns one ingestion cache per enabled modality over a shared
// Redis connection. The cache database is separate from the docstore
// database so either can be flushed alone.
type Manager struct {
	client *redis.Client
	caches map[domain.Modality]*Cache
	log    *slog.Logger
}

// NewManager connects to Redis and maps one cache per space key.
func NewManager(addr string, db int, project, kb string, spaceKeys map[domain.Modality]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	m := &Manager{client: client, caches: make(map[domain.Modality]*Cache, len(spaceKeys)), log: logger}
	for mod, key := range spaceKeys {
		col := domain.CacheCollection(project, kb, key)
		m.caches[mod] = newCache(client, col, mod)
		logger.Debug("ingest cache mapped", "modality", mod, "collection", col)
	}
	return m
}

// NewManagerWithClient wires the manager over an existing client.
func NewManagerWithClient(client *redis.Client, project, kb string, spaceKeys map[domain.Modality]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{client: client, caches: make(map[domain.Modality]*Cache, len(spaceKeys)), log: logger}
	for mod, key := range spaceKeys {
		m.caches[mod] = newCache(client, domain.CacheCollection(project, kb, key), mod)
	}
	return m
}

// Cache returns the ingestion cache for a modality.
func (m *Manager) Cache(mod domain.Modality) (*Cache, error) {
	c, ok := m.caches[mod]
	if !ok {
		return nil, fmt.Errorf("cache: %s: %w", mod, domain.ErrModalityDisabled)
	}
	return c, nil
}

// Caches returns the configured caches in canonical modality order.
func (m *Manager) Caches() []*Cache {
	out := make([]*Cache, 0, len(m.caches))
	for _, mod := range domain.Modalities {
		if c, ok := m.caches[mod]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Ping verifies the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// PersistAll snapshots every cache to dir. A snapshot failure for one
// space does not stop the others; the first error is returned.
func (m *Manager) PersistAll(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	var first error
	for _, c := range m.Caches() {
		if err := c.Persist(ctx, dir); err != nil {
			m.log.Warn("cache snapshot failed", "collection", c.Collection(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// RestoreAll loads snapshots for every cache from dir. Missing
// snapshot files are not errors.
func (m *Manager) RestoreAll(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	for _, c := range m.Caches() {
		if err := c.Restore(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
