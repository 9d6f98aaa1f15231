// Package lineage records provenance in Neo4j: which source a chunk
// was derived from, and which page or file an extracted asset came
// out of. The graph is optional; when no URI is configured the
// pipeline runs without it.
package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/tesserai/tessera/engine/domain"
)

// Source is a provenance endpoint: a file, a URL, or an asset
// extracted from either.
type Source struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Modality string `json:"modality,omitempty"`
}

// Recorder writes and reads the provenance graph.
type Recorder struct {
	driver neo4j.DriverWithContext
	log    *slog.Logger
}

// New connects to Neo4j. The password is read from NEO4J_PASSWORD;
// with an empty user the connection is unauthenticated.
func New(uri, user string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, os.Getenv("NEO4J_PASSWORD"), "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("lineage: connect %s: %w", uri, err)
	}
	return &Recorder{driver: driver, log: logger}, nil
}

// NewWithDriver wires the recorder over an existing driver.
func NewWithDriver(driver neo4j.DriverWithContext, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{driver: driver, log: logger}
}

// RecordBatch writes provenance for committed nodes in one
// transaction. Each chunk gets an Artifact merged by node id, its
// source a Source merged by source string, and a DERIVED_FROM edge
// between them. Assets whose base source differs from their own
// source additionally get an EXTRACTED_FROM edge up to the base.
func (r *Recorder) RecordBatch(ctx context.Context, nodes []domain.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	sess := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, n := range nodes {
			src := sourceOf(n.Meta)
			cypher := `MERGE (s:Source {id: $sid}) SET s += $sprops
				MERGE (a:Artifact {id: $aid}) SET a += $aprops
				MERGE (a)-[:DERIVED_FROM]->(s)`
			params := map[string]any{
				"sid":    src.ID,
				"sprops": sourceToMap(src),
				"aid":    n.ID,
				"aprops": artifactToMap(n),
			}
			if _, err := tx.Run(ctx, cypher, params); err != nil {
				return nil, err
			}
			if base := n.Meta.BaseSource; base != "" && base != src.ID {
				link := `MERGE (b:Source {id: $base})
					MERGE (s:Source {id: $sid})
					MERGE (s)-[:EXTRACTED_FROM]->(b)`
				if _, err := tx.Run(ctx, link, map[string]any{"base": base, "sid": src.ID}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("lineage: record batch: %w", err)
	}
	return nil
}

// Sources returns the provenance chain of a chunk, nearest source
// first.
func (r *Recorder) Sources(ctx context.Context, nodeID string) ([]Source, error) {
	sess := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (a:Artifact {id: $id})-[:DERIVED_FROM]->(s:Source)
		OPTIONAL MATCH (s)-[:EXTRACTED_FROM*1..5]->(b:Source)
		RETURN s, collect(b) AS bases`
	result, err := sess.Run(ctx, cypher, map[string]any{"id": nodeID})
	if err != nil {
		return nil, fmt.Errorf("lineage: sources %s: %w", nodeID, err)
	}
	var out []Source
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "s")
		if err != nil {
			return nil, fmt.Errorf("lineage: read source: %w", err)
		}
		out = append(out, sourceFromProps(node.Props))
		if basesVal, ok := result.Record().Get("bases"); ok {
			if bases, ok := basesVal.([]any); ok {
				for _, raw := range bases {
					if b, ok := raw.(dbtype.Node); ok {
						out = append(out, sourceFromProps(b.Props))
					}
				}
			}
		}
	}
	return out, nil
}

// DeleteSource removes a source, everything extracted from it, and
// all artifacts hanging off either.
func (r *Recorder) DeleteSource(ctx context.Context, id string) error {
	sess := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (b:Source {id: $id})
		OPTIONAL MATCH (s:Source)-[:EXTRACTED_FROM*1..5]->(b)
		OPTIONAL MATCH (a:Artifact)-[:DERIVED_FROM]->(x:Source) WHERE x = b OR x = s
		DETACH DELETE a, s, b`
	if _, err := sess.Run(ctx, cypher, map[string]any{"id": id}); err != nil {
		return fmt.Errorf("lineage: delete source %s: %w", id, err)
	}
	return nil
}

// Ping verifies connectivity.
func (r *Recorder) Ping(ctx context.Context) error {
	if err := r.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("lineage: verify: %w", err)
	}
	return nil
}

// Close releases the driver.
func (r *Recorder) Close(ctx context.Context) error {
	if r.driver == nil {
		return nil
	}
	return r.driver.Close(ctx)
}

func sourceOf(m domain.BasicMeta) Source {
	s := Source{ID: m.Source(), Path: m.FilePath, URL: m.URL}
	switch {
	case m.AssetNo > 0:
		s.Kind = "asset"
	case m.URL != "":
		s.Kind = "url"
	default:
		s.Kind = "file"
	}
	return s
}

func sourceToMap(s Source) map[string]any {
	return map[string]any{
		"id":   s.ID,
		"kind": s.Kind,
		"path": s.Path,
		"url":  s.URL,
	}
}

func sourceFromProps(props map[string]any) Source {
	return Source{
		ID:   strProp(props, "id"),
		Kind: strProp(props, "kind"),
		Path: strProp(props, "path"),
		URL:  strProp(props, "url"),
	}
}

func artifactToMap(n domain.Node) map[string]any {
	return map[string]any{
		"id":          n.ID,
		"ref_doc_id":  n.RefDocID,
		"modality":    string(n.Modality),
		"fingerprint": n.Fingerprint(),
		"chunk_no":    n.Meta.ChunkNo,
		"page_no":     n.Meta.PageNo,
		"asset_no":    n.Meta.AssetNo,
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}
