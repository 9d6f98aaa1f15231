// Package docstore persists node content and per-source hashes in
// Redis. One hash per space holds node records keyed by node id; a
// companion hash holds one entry per source document so ingestion can
// skip unchanged sources and deletion can find a source's nodes.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tesserai/tessera/engine/domain"
)

const scanPage = 256

// record is the stored form of one node. Vectors stay in the vector
// store; the docstore carries everything needed to rebuild text for
// keyword scoring and to resolve media chunks after async retrieval.
type record struct {
	RefDocID    string           `json:"ref_doc_id"`
	Modality    domain.Modality  `json:"modality"`
	Text        string           `json:"text,omitempty"`
	MediaPath   string           `json:"media_path,omitempty"`
	Fingerprint string           `json:"fingerprint"`
	Meta        domain.BasicMeta `json:"meta"`
}

// refEntry tracks one source document: the hash it was last committed
// with and every node id ever derived from it.
type refEntry struct {
	Fingerprint string   `json:"fingerprint"`
	NodeIDs     []string `json:"node_ids"`
}

// Store is the docstore for a single embedding space.
type Store struct {
	rdb       *redis.Client
	namespace string
	refKey    string
	modality  domain.Modality
}

func newStore(rdb *redis.Client, namespace string, modality domain.Modality) *Store {
	return &Store{rdb: rdb, namespace: namespace, refKey: namespace + ":ref", modality: modality}
}

// Namespace returns the Redis hash key backing this store.
func (s *Store) Namespace() string { return s.namespace }

// Modality returns the space's modality.
func (s *Store) Modality() domain.Modality { return s.modality }

// Upsert writes node records. Existing ids are overwritten; node ids
// are fingerprint-derived, so identical content lands on the same
// field.
func (s *Store) Upsert(ctx context.Context, nodes []domain.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	pairs := make([]any, 0, len(nodes)*2)
	for _, n := range nodes {
		raw, err := json.Marshal(record{
			RefDocID:    n.RefDocID,
			Modality:    n.Modality,
			Text:        n.Text,
			MediaPath:   n.MediaPath,
			Fingerprint: n.Fingerprint(),
			Meta:        n.Meta,
		})
		if err != nil {
			return fmt.Errorf("docstore: marshal node %s: %w", n.ID, err)
		}
		pairs = append(pairs, n.ID, raw)
	}
	if err := s.rdb.HSet(ctx, s.namespace, pairs...).Err(); err != nil {
		return fmt.Errorf("docstore: hset %s: %w", s.namespace, err)
	}
	return nil
}

// Get returns the node stored under id, or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Node, error) {
	raw, err := s.rdb.HGet(ctx, s.namespace, id).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Node{}, fmt.Errorf("docstore: node %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("docstore: hget %s: %w", s.namespace, err)
	}
	return decodeNode(id, []byte(raw))
}

// GetMany returns the stored nodes for ids, silently skipping ids
// that are absent. Order follows the input.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]domain.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.namespace, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore: hmget %s: %w", s.namespace, err)
	}
	nodes := make([]domain.Node, 0, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := decodeNode(ids[i], []byte(str))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// All streams every node in the space. Used to build the keyword
// index; spaces are bounded by what one knowledge base ingests.
func (s *Store) All(ctx context.Context) ([]domain.Node, error) {
	var (
		nodes  []domain.Node
		cursor uint64
	)
	for {
		kvs, next, err := s.rdb.HScan(ctx, s.namespace, cursor, "*", scanPage).Result()
		if err != nil {
			return nil, fmt.Errorf("docstore: hscan %s: %w", s.namespace, err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			n, err := decodeNode(kvs[i], []byte(kvs[i+1]))
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
		cursor = next
		if cursor == 0 {
			return nodes, nil
		}
	}
}

// Count returns the number of stored nodes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.rdb.HLen(ctx, s.namespace).Result()
	if err != nil {
		return 0, fmt.Errorf("docstore: hlen %s: %w", s.namespace, err)
	}
	return n, nil
}

// DeleteByIDs removes node records. Ref entries are left alone;
// deletion by source tolerates ids that no longer resolve.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, s.namespace, ids...).Err(); err != nil {
		return fmt.Errorf("docstore: hdel %s: %w", s.namespace, err)
	}
	return nil
}

// CurrentHash returns the hash the source was last committed with.
// The second return is false when the source is unknown or was never
// fully committed.
func (s *Store) CurrentHash(ctx context.Context, refDocID string) (string, bool, error) {
	e, ok, err := s.refEntry(ctx, refDocID)
	if err != nil || !ok {
		return "", false, err
	}
	return e.Fingerprint, e.Fingerprint != "", nil
}

// SetRef records that refDocID was committed with the given hash and
// produced nodeIDs. Node ids accumulate across commits so stale
// chunks from earlier versions remain reachable for deletion.
func (s *Store) SetRef(ctx context.Context, refDocID, fingerprint string, nodeIDs []string) error {
	e, _, err := s.refEntry(ctx, refDocID)
	if err != nil {
		return err
	}
	e.Fingerprint = fingerprint
	e.NodeIDs = mergeIDs(e.NodeIDs, nodeIDs)
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("docstore: marshal ref %s: %w", refDocID, err)
	}
	if err := s.rdb.HSet(ctx, s.refKey, refDocID, raw).Err(); err != nil {
		return fmt.Errorf("docstore: hset %s: %w", s.refKey, err)
	}
	return nil
}

// RefNodeIDs returns every node id recorded for refDocID.
func (s *Store) RefNodeIDs(ctx context.Context, refDocID string) ([]string, error) {
	e, _, err := s.refEntry(ctx, refDocID)
	if err != nil {
		return nil, err
	}
	return e.NodeIDs, nil
}

// DeleteRefs removes the given sources and every node recorded under
// them.
func (s *Store) DeleteRefs(ctx context.Context, refDocIDs []string) error {
	if len(refDocIDs) == 0 {
		return nil
	}
	var ids []string
	for _, ref := range refDocIDs {
		nodeIDs, err := s.RefNodeIDs(ctx, ref)
		if err != nil {
			return err
		}
		ids = append(ids, nodeIDs...)
	}
	if err := s.DeleteByIDs(ctx, ids); err != nil {
		return err
	}
	if err := s.rdb.HDel(ctx, s.refKey, refDocIDs...).Err(); err != nil {
		return fmt.Errorf("docstore: hdel %s: %w", s.refKey, err)
	}
	return nil
}

// Refs returns every known source id in the space.
func (s *Store) Refs(ctx context.Context) ([]string, error) {
	refs, err := s.rdb.HKeys(ctx, s.refKey).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore: hkeys %s: %w", s.refKey, err)
	}
	return refs, nil
}

// Clear drops the space's records and ref entries.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.namespace, s.refKey).Err(); err != nil {
		return fmt.Errorf("docstore: del %s: %w", s.namespace, err)
	}
	return nil
}

func (s *Store) refEntry(ctx context.Context, refDocID string) (refEntry, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.refKey, refDocID).Result()
	if errors.Is(err, redis.Nil) {
		return refEntry{}, false, nil
	}
	if err != nil {
		return refEntry{}, false, fmt.Errorf("docstore: hget %s: %w", s.refKey, err)
	}
	var e refEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return refEntry{}, false, fmt.Errorf("docstore: decode ref %s: %w", refDocID, err)
	}
	return e, true, nil
}

func decodeNode(id string, raw []byte) (domain.Node, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Node{}, fmt.Errorf("docstore: decode node %s: %w", id, err)
	}
	return domain.Node{
		ID:        id,
		RefDocID:  r.RefDocID,
		Modality:  r.Modality,
		Text:      r.Text,
		MediaPath: r.MediaPath,
		Hash:      r.Fingerprint,
		Meta:      r.Meta,
	}, nil
}

func mergeIDs(have, add []string) []string {
	seen := make(map[string]struct{}, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, id := range have {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range add {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
