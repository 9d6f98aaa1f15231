package metastore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserai/tessera/engine/domain"
)

// Manager owns the meta tables for every enabled modality over one
// connection pool.
type Manager struct {
	db     DB
	pool   *pgxpool.Pool
	tables map[domain.Modality]string
	log    *slog.Logger
}

// NewManager opens a pool against dsn and maps one table per space
// key. Credentials come from the PG* environment variables when the
// DSN omits them.
func NewManager(ctx context.Context, dsn, project, kb string, spaceKeys map[domain.Modality]string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: connect: %w", err)
	}
	m := &Manager{db: pool, pool: pool, tables: make(map[domain.Modality]string, len(spaceKeys)), log: logger}
	for mod, key := range spaceKeys {
		t := domain.MetaTable(project, kb, key)
		m.tables[mod] = t
		logger.Debug("meta table mapped", "modality", mod, "table", t)
	}
	return m, nil
}

// NewManagerWithDB wires the manager over an existing DB.
func NewManagerWithDB(db DB, project, kb string, spaceKeys map[domain.Modality]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{db: db, tables: make(map[domain.Modality]string, len(spaceKeys)), log: logger}
	for mod, key := range spaceKeys {
		m.tables[mod] = domain.MetaTable(project, kb, key)
	}
	return m
}

// Table returns the meta table name for a modality.
func (m *Manager) Table(mod domain.Modality) (string, error) {
	t, ok := m.tables[mod]
	if !ok {
		return "", fmt.Errorf("metastore: %s: %w", mod, domain.ErrModalityDisabled)
	}
	return t, nil
}

// Tables returns every mapped table in canonical modality order.
func (m *Manager) Tables() []string {
	out := make([]string, 0, len(m.tables))
	for _, mod := range domain.Modalities {
		if t, ok := m.tables[mod]; ok {
			out = append(out, t)
		}
	}
	return out
}

// EnsureAll creates missing tables and indexes.
func (m *Manager) EnsureAll(ctx context.Context) error {
	for _, t := range m.Tables() {
		if _, err := m.db.Exec(ctx, createSQL(t)); err != nil {
			return fmt.Errorf("metastore: ensure %s: %w", t, err)
		}
	}
	return nil
}

// UpsertBatch writes rows for a modality in one statement. Re-runs of
// identical content refresh node_lastmod_at in place.
func (m *Manager) UpsertBatch(ctx context.Context, mod domain.Modality, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	t, err := m.Table(mod)
	if err != nil {
		return err
	}
	rows = dedupRows(rows)
	args := make([]any, 0, len(rows)*colsPerRow)
	for _, r := range rows {
		args = append(args, rowArgs(r)...)
	}
	if _, err := m.db.Exec(ctx, upsertSQL(t, len(rows)), args...); err != nil {
		return fmt.Errorf("metastore: upsert %s: %w", t, err)
	}
	return nil
}

// DeleteByNodeIDs removes rows by node id, for rollback after a
// failed commit.
func (m *Manager) DeleteByNodeIDs(ctx context.Context, mod domain.Modality, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	t, err := m.Table(mod)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE node_id = ANY($1)", t)
	if _, err := m.db.Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("metastore: delete nodes %s: %w", t, err)
	}
	return nil
}

// DeleteByRefDocIDs removes every row belonging to the given sources.
func (m *Manager) DeleteByRefDocIDs(ctx context.Context, mod domain.Modality, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	t, err := m.Table(mod)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE ref_doc_id = ANY($1)", t)
	if _, err := m.db.Exec(ctx, sql, refs); err != nil {
		return fmt.Errorf("metastore: delete refs %s: %w", t, err)
	}
	return nil
}

// DeleteByBaseSource removes every row whose base_source matches and
// returns the distinct ref doc ids that were covered, so the vector
// store and docstore can cascade. Mutations are serialized upstream,
// so the select-then-delete pair does not race.
func (m *Manager) DeleteByBaseSource(ctx context.Context, mod domain.Modality, base string) ([]string, error) {
	t, err := m.Table(mod)
	if err != nil {
		return nil, err
	}
	rows, err := m.db.Query(ctx, fmt.Sprintf("SELECT DISTINCT ref_doc_id FROM %s WHERE base_source = $1", t), base)
	if err != nil {
		return nil, fmt.Errorf("metastore: select refs %s: %w", t, err)
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("metastore: scan ref %s: %w", t, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metastore: iterate refs %s: %w", t, err)
	}
	if _, err := m.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE base_source = $1", t), base); err != nil {
		return nil, fmt.Errorf("metastore: delete base %s: %w", t, err)
	}
	return refs, nil
}

// SelectFingerprints returns source-to-fingerprint pairs from the
// given tables, newest first, at most limit per table. Only the
// chunk-zero row of each source carries the source-level fingerprint.
func (m *Manager) SelectFingerprints(ctx context.Context, tables []string, limit int) (map[string]string, error) {
	out := make(map[string]string)
	for _, t := range tables {
		sql := fmt.Sprintf("SELECT COALESCE(NULLIF(url, ''), file_path) AS src, fingerprint "+
			"FROM %s WHERE chunk_no = 0 ORDER BY node_lastmod_at DESC LIMIT $1", t)
		rows, err := m.db.Query(ctx, sql, limit)
		if err != nil {
			return nil, fmt.Errorf("metastore: select fingerprints %s: %w", t, err)
		}
		for rows.Next() {
			var src, fp string
			if err := rows.Scan(&src, &fp); err != nil {
				rows.Close()
				return nil, fmt.Errorf("metastore: scan fingerprint %s: %w", t, err)
			}
			if src == "" {
				continue
			}
			if _, have := out[src]; !have {
				out[src] = fp
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("metastore: iterate fingerprints %s: %w", t, err)
		}
	}
	return out, nil
}

// Count returns the number of rows for a modality.
func (m *Manager) Count(ctx context.Context, mod domain.Modality) (int64, error) {
	t, err := m.Table(mod)
	if err != nil {
		return 0, err
	}
	rows, err := m.db.Query(ctx, fmt.Sprintf("SELECT count(*) FROM %s", t))
	if err != nil {
		return 0, fmt.Errorf("metastore: count %s: %w", t, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("metastore: scan count %s: %w", t, err)
		}
	}
	return n, rows.Err()
}

// Health reports reachability and per-space row counts.
func (m *Manager) Health(ctx context.Context) string {
	parts := make([]string, 0, len(m.tables))
	for _, mod := range domain.Modalities {
		if _, ok := m.tables[mod]; !ok {
			continue
		}
		n, err := m.Count(ctx, mod)
		if err != nil {
			return "unreachable"
		}
		parts = append(parts, fmt.Sprintf("%s=%d", mod, n))
	}
	if len(parts) == 0 {
		return "empty"
	}
	return "ok: " + strings.Join(parts, " ")
}

// Close releases the pool.
func (m *Manager) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}
