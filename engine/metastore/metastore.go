// Package metastore keeps one Postgres table of node metadata per
// embedding space. It is the queryable system of record behind the
// in-memory fingerprint cache: rehydration selects the newest
// fingerprints from here, and source-level deletion resolves its
// targets here before the other stores cascade.
//
// Table and index names are derived from sanitized space keys, which
// contain only letters, digits, and underscores, so they are embedded
// into DDL directly; all values go through placeholders.
package metastore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tesserai/tessera/engine/domain"
)

// DB is the slice of pgxpool.Pool the store uses. Batch upserts are
// single multi-row statements, so no explicit transactions are
// needed.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Row is one node's metadata record.
type Row struct {
	NodeID      string
	RefDocID    string
	Fingerprint string
	Modality    domain.Modality
	Meta        domain.BasicMeta
}

// RowFromNode builds the metadata row for a node.
func RowFromNode(n domain.Node) Row {
	return Row{
		NodeID:      n.ID,
		RefDocID:    n.RefDocID,
		Fingerprint: n.Fingerprint(),
		Modality:    n.Modality,
		Meta:        n.Meta,
	}
}

const metaCols = "node_id, ref_doc_id, fingerprint, modality, base_source, " +
	"file_path, file_type, file_size, file_created_at, file_lastmod_at, " +
	"chunk_no, page_no, asset_no, url"

const colsPerRow = 14

func createSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	node_id TEXT PRIMARY KEY,
	ref_doc_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	modality TEXT NOT NULL,
	base_source TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	file_type TEXT NOT NULL DEFAULT '',
	file_size BIGINT NOT NULL DEFAULT 0,
	file_created_at BIGINT NOT NULL DEFAULT 0,
	file_lastmod_at BIGINT NOT NULL DEFAULT 0,
	chunk_no INTEGER NOT NULL DEFAULT 0,
	page_no INTEGER NOT NULL DEFAULT 0,
	asset_no INTEGER NOT NULL DEFAULT 0,
	url TEXT NOT NULL DEFAULT '',
	node_lastmod_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_fingerprint_idx ON %[1]s (fingerprint);
CREATE INDEX IF NOT EXISTS %[1]s_lastmod_idx ON %[1]s (node_lastmod_at DESC);
CREATE INDEX IF NOT EXISTS %[1]s_base_source_idx ON %[1]s (base_source);
CREATE INDEX IF NOT EXISTS %[1]s_ref_doc_idx ON %[1]s (ref_doc_id);`, table)
}

func upsertSQL(table string, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, metaCols)
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < colsPerRow; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*colsPerRow+j+1)
		}
		b.WriteByte(')')
	}
	b.WriteString(" ON CONFLICT (node_id) DO UPDATE SET " +
		"ref_doc_id = EXCLUDED.ref_doc_id, " +
		"fingerprint = EXCLUDED.fingerprint, " +
		"base_source = EXCLUDED.base_source, " +
		"file_size = EXCLUDED.file_size, " +
		"file_lastmod_at = EXCLUDED.file_lastmod_at, " +
		"node_lastmod_at = now()")
	return b.String()
}

func rowArgs(r Row) []any {
	return []any{
		r.NodeID, r.RefDocID, r.Fingerprint, string(r.Modality), r.Meta.BaseSource,
		r.Meta.FilePath, r.Meta.FileType, r.Meta.FileSize, r.Meta.FileCreatedAt, r.Meta.FileLastModAt,
		r.Meta.ChunkNo, r.Meta.PageNo, r.Meta.AssetNo, r.Meta.URL,
	}
}

// dedupRows keeps the last row per node id. A multi-row upsert may
// not touch the same row twice, and node ids collide exactly when
// content fingerprints do.
func dedupRows(rows []Row) []Row {
	idx := make(map[string]int, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		if at, seen := idx[r.NodeID]; seen {
			out[at] = r
			continue
		}
		idx[r.NodeID] = len(out)
		out = append(out, r)
	}
	return out
}
