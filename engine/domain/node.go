package domain

import (
	"github.com/google/uuid"
)

// Document is a pre-chunk ingestion unit: one file, one PDF page, one
// extracted asset, or one fetched web page. Text documents carry
// inline Text; media documents carry a MediaPath on local disk.
type Document struct {
	Text      string
	MediaPath string
	Modality  Modality
	Meta      BasicMeta
}

// RefDocID returns the stable source id for this document.
func (d Document) RefDocID() string { return d.Meta.RefDocID() }

// Node is an embedded chunk, the unit stored in and retrieved from a
// space. Text nodes carry chunk text; media nodes reference the
// chunk's media file. Hash is the fingerprint captured when the id
// was assigned; temp-file cleanup rewrites path metadata afterwards,
// so the captured value is the one every store must record.
type Node struct {
	ID        string   `json:"id"`
	RefDocID  string   `json:"ref_doc_id"`
	Modality  Modality `json:"modality"`
	Text      string   `json:"text,omitempty"`
	MediaPath string   `json:"media_path,omitempty"`
	Hash      string   `json:"hash,omitempty"`
	Meta      BasicMeta
	Vector    []float32 `json:"-"`
}

// Fingerprint returns the captured content fingerprint, deriving it
// from the metadata when none was captured yet.
func (n Node) Fingerprint() string {
	if n.Hash != "" {
		return n.Hash
	}
	return n.Meta.Fingerprint()
}

// Identify captures the fingerprint and derives the node id and
// ref-doc id from the current metadata.
func (n Node) Identify() Node {
	n.Hash = n.Meta.Fingerprint()
	n.ID = NodeID(n.Hash)
	n.RefDocID = n.Meta.RefDocID()
	return n
}

// NodeID derives the deterministic node id for a fingerprint. Equal
// content yields equal ids across runs, which makes re-ingestion an
// overwrite rather than a duplicate.
func NodeID(fingerprint string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fingerprint)).String()
}

// Scored pairs a retrieved node with its relevance score. Higher is
// better for every retrieval mode.
type Scored struct {
	Node  Node    `json:"node"`
	Score float64 `json:"score"`
}
