package ingest

import (
	"github.com/tesserai/tessera/engine/domain"
)

// Stats summarizes one pipeline run. Each field is written by exactly
// one stage goroutine and read after the run drains.
type Stats struct {
	Documents   int `json:"documents"`
	Duplicates  int `json:"duplicates"`
	Unsupported int `json:"unsupported"`
	Nodes       int `json:"nodes"`
	CacheHits   int `json:"cache_hits"`
	Embedded    int `json:"embedded"`
	Committed   int `json:"committed"`
}

// sourceDoc is a document with its identity precomputed: the ref-doc
// id the docstore keys on and the document-level fingerprint (equal
// to the chunk-zero fingerprint, since both hash the same metadata).
// mod is the store modality the nodes will land in; it differs from
// the document's own modality only for key-frame fallback, where a
// video source is stored in the image space.
type sourceDoc struct {
	doc    domain.Document
	ref    string
	fp     string
	source string
	mod    domain.Modality
}

// sourceGroup carries every node derived from one source document.
// Node order is chunk order; chunk numbers are already assigned.
// modality is the store modality, matching sourceDoc.mod.
type sourceGroup struct {
	ref      string
	fp       string
	source   string
	modality domain.Modality
	nodes    []domain.Node
}

// refUpdate is the per-source bookkeeping applied after a batch
// commits: the docstore ref entry and the in-memory fingerprint
// cache. ids holds every node id of the source, written or cached.
type refUpdate struct {
	ref    string
	fp     string
	source string
	ids    []string
}

// commitBatch is a set of embedded nodes for one modality plus the
// ref updates that become visible once the writes land.
type commitBatch struct {
	modality domain.Modality
	nodes    []domain.Node
	updates  []refUpdate
}

func nodeIDs(nodes []domain.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func fingerprints(nodes []domain.Node) []string {
	fps := make([]string, len(nodes))
	for i, n := range nodes {
		fps[i] = n.Fingerprint()
	}
	return fps
}
