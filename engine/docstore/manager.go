package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tesserai/tessera/engine/domain"
)

// Manager owns one docstore per enabled modality over a shared Redis
// connection.
type Manager struct {
	client *redis.Client
	stores map[domain.Modality]*Store
	log    *slog.Logger
}

// NewManager connects to Redis and maps one store per space key.
// spaceKeys carries only the enabled modalities.
func NewManager(addr string, db int, project, kb string, spaceKeys map[domain.Modality]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	m := &Manager{client: client, stores: make(map[domain.Modality]*Store, len(spaceKeys)), log: logger}
	for mod, key := range spaceKeys {
		ns := domain.DocNamespace(project, kb, key)
		m.stores[mod] = newStore(client, ns, mod)
		logger.Debug("docstore mapped", "modality", mod, "namespace", ns)
	}
	return m
}

// NewManagerWithClient wires the manager over an existing client.
func NewManagerWithClient(client *redis.Client, project, kb string, spaceKeys map[domain.Modality]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{client: client, stores: make(map[domain.Modality]*Store, len(spaceKeys)), log: logger}
	for mod, key := range spaceKeys {
		m.stores[mod] = newStore(client, domain.DocNamespace(project, kb, key), mod)
	}
	return m
}

// Store returns the docstore for a modality.
func (m *Manager) Store(mod domain.Modality) (*Store, error) {
	s, ok := m.stores[mod]
	if !ok {
		return nil, fmt.Errorf("docstore: %s: %w", mod, domain.ErrModalityDisabled)
	}
	return s, nil
}

// Stores returns the configured stores in canonical modality order.
func (m *Manager) Stores() []*Store {
	out := make([]*Store, 0, len(m.stores))
	for _, mod := range domain.Modalities {
		if s, ok := m.stores[mod]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Ping verifies the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("docstore: ping: %w", err)
	}
	return nil
}

// Health reports reachability and per-space node counts.
func (m *Manager) Health(ctx context.Context) string {
	if err := m.Ping(ctx); err != nil {
		return "unreachable"
	}
	parts := make([]string, 0, len(m.stores))
	for _, s := range m.Stores() {
		n, err := s.Count(ctx)
		if err != nil {
			return "unreachable"
		}
		parts = append(parts, fmt.Sprintf("%s=%d", s.Modality(), n))
	}
	if len(parts) == 0 {
		return "empty"
	}
	return "ok: " + strings.Join(parts, " ")
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
