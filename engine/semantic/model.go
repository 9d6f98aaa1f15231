// Package semantic owns every Qdrant operation. One Store maps to
// one collection, which is one embedding space; the Manager holds a
// Store per enabled modality plus the fingerprint cache used for
// skip-unchanged decisions.
package semantic

import (
	pb "github.com/qdrant/go-client/qdrant"

	"github.com/tesserai/tessera/engine/domain"
)

// Payload keys. These mirror the metadata record's JSON names so
// vector payloads, docstore records, and meta rows line up.
const (
	keyText        = "text"
	keyRefDocID    = "ref_doc_id"
	keyModality    = "modality"
	keyMediaPath   = "media_path"
	keyFingerprint = "fingerprint"
)

func strVal(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intVal(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

// payloadFromNode flattens a node into a Qdrant payload. Zero-valued
// optional fields are stored anyway; retrieval reconstructs the node
// without consulting any other store.
func payloadFromNode(n domain.Node) map[string]*pb.Value {
	return map[string]*pb.Value{
		keyText:           strVal(n.Text),
		keyRefDocID:       strVal(n.RefDocID),
		keyModality:       strVal(string(n.Modality)),
		keyMediaPath:      strVal(n.MediaPath),
		keyFingerprint:    strVal(n.Fingerprint()),
		"file_path":       strVal(n.Meta.FilePath),
		"file_type":       strVal(n.Meta.FileType),
		"file_size":       intVal(n.Meta.FileSize),
		"file_created_at": intVal(n.Meta.FileCreatedAt),
		"file_lastmod_at": intVal(n.Meta.FileLastModAt),
		"chunk_no":        intVal(int64(n.Meta.ChunkNo)),
		"url":             strVal(n.Meta.URL),
		"base_source":     strVal(n.Meta.BaseSource),
		"temp_file_path":  strVal(n.Meta.TempFilePath),
		"page_no":         intVal(int64(n.Meta.PageNo)),
		"asset_no":        intVal(int64(n.Meta.AssetNo)),
	}
}

// nodeFromPayload rebuilds a node from a search hit.
func nodeFromPayload(id string, payload map[string]*pb.Value) domain.Node {
	get := func(k string) string { return payload[k].GetStringValue() }
	geti := func(k string) int64 { return payload[k].GetIntegerValue() }
	return domain.Node{
		ID:        id,
		RefDocID:  get(keyRefDocID),
		Modality:  domain.Modality(get(keyModality)),
		Text:      get(keyText),
		MediaPath: get(keyMediaPath),
		Hash:      get(keyFingerprint),
		Meta: domain.BasicMeta{
			FilePath:      get("file_path"),
			FileType:      get("file_type"),
			FileSize:      geti("file_size"),
			FileCreatedAt: geti("file_created_at"),
			FileLastModAt: geti("file_lastmod_at"),
			ChunkNo:       int(geti("chunk_no")),
			URL:           get("url"),
			BaseSource:    get("base_source"),
			TempFilePath:  get("temp_file_path"),
			PageNo:        int(geti("page_no")),
			AssetNo:       int(geti("asset_no")),
		},
	}
}
