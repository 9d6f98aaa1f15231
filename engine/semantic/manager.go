package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tesserai/tessera/engine/domain"
)

// Space describes one embedding space to materialize.
type Space struct {
	Modality domain.Modality
	Key      string
	Dim      int
}

// Manager holds the per-modality stores over one shared gRPC
// connection, plus the fingerprint cache.
type Manager struct {
	conn   *grpc.ClientConn
	stores map[domain.Modality]*Store
	fp     *FingerprintCache
	log    *slog.Logger
}

// NewManager dials Qdrant and lays out one collection per space,
// named {project}__{kb}__{space}__vec.
func NewManager(addr, project, kb string, spaces []Space, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	points := pb.NewPointsClient(conn)
	collections := pb.NewCollectionsClient(conn)

	m := &Manager{
		conn:   conn,
		stores: make(map[domain.Modality]*Store, len(spaces)),
		fp:     NewFingerprintCache(),
		log:    logger,
	}
	for _, sp := range spaces {
		name := domain.VectorTable(project, kb, sp.Key)
		m.stores[sp.Modality] = NewStoreWithClients(points, collections, name, sp.Dim)
		logger.Info("vector space mapped", "modality", sp.Modality, "collection", name, "dim", sp.Dim)
	}
	return m, nil
}

// NewManagerWithStores wires pre-built stores, for tests.
func NewManagerWithStores(stores map[domain.Modality]*Store) *Manager {
	return &Manager{stores: stores, fp: NewFingerprintCache(), log: slog.Default()}
}

// Store returns the store backing modality m.
func (m *Manager) Store(mod domain.Modality) (*Store, error) {
	s, ok := m.stores[mod]
	if !ok {
		return nil, fmt.Errorf("semantic: %s: %w", mod, domain.ErrModalityDisabled)
	}
	return s, nil
}

// Stores returns every store in canonical modality order.
func (m *Manager) Stores() []*Store {
	var out []*Store
	for _, mod := range domain.Modalities {
		if s, ok := m.stores[mod]; ok {
			out = append(out, s)
		}
	}
	return out
}

// EnsureAll creates every missing collection.
func (m *Manager) EnsureAll(ctx context.Context) error {
	for _, s := range m.Stores() {
		if err := s.Ensure(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Fingerprints exposes the source fingerprint cache.
func (m *Manager) Fingerprints() *FingerprintCache { return m.fp }

// FingerprintSource feeds Rehydrate; the structured meta store
// implements it.
type FingerprintSource interface {
	SelectFingerprints(ctx context.Context, tables []string, limit int) (map[string]string, error)
}

// Rehydrate loads the source → fingerprint mapping from the meta
// store, newest rows first, so unchanged sources skip re-embedding
// right after startup.
func (m *Manager) Rehydrate(ctx context.Context, src FingerprintSource, metaTables []string, limit int) error {
	if src == nil || len(metaTables) == 0 {
		return nil
	}
	loaded, err := src.SelectFingerprints(ctx, metaTables, limit)
	if err != nil {
		return fmt.Errorf("semantic: rehydrate fingerprints: %w", err)
	}
	for source, fp := range loaded {
		m.fp.Remember(source, fp)
	}
	m.log.Info("fingerprint cache rehydrated", "entries", m.fp.Len(), "tables", len(metaTables))
	return nil
}

// Health reports a one-word status plus the collection list, used by
// the health endpoint.
func (m *Manager) Health(ctx context.Context) string {
	var names []string
	for _, s := range m.Stores() {
		if _, err := s.Count(ctx); err != nil {
			return "unreachable"
		}
		names = append(names, s.Name())
	}
	if len(names) == 0 {
		return "empty"
	}
	return "ok: " + strings.Join(names, ",")
}

// Close releases the shared connection.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
