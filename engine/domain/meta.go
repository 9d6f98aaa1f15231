package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// BasicMeta is the canonical per-chunk metadata record. Field names
// in JSON form are stable across stores; vector payloads, docstore
// records, and meta rows all use these keys.
type BasicMeta struct {
	FilePath      string `json:"file_path,omitempty"`
	FileType      string `json:"file_type,omitempty"`
	FileSize      int64  `json:"file_size,omitempty"`
	FileCreatedAt int64  `json:"file_created_at,omitempty"`
	FileLastModAt int64  `json:"file_lastmod_at,omitempty"`
	ChunkNo       int    `json:"chunk_no"`
	URL           string `json:"url,omitempty"`
	BaseSource    string `json:"base_source,omitempty"`
	TempFilePath  string `json:"temp_file_path,omitempty"`
	PageNo        int    `json:"page_no,omitempty"`
	AssetNo       int    `json:"asset_no,omitempty"`
}

// Fingerprint returns a stable content hash over the identifying
// fields. Equal inputs produce byte-equal strings regardless of how
// the record was assembled; the pipeline treats equal fingerprints as
// identical content and skips re-embedding.
func (m BasicMeta) Fingerprint() string {
	h := sha256.New()
	// Fixed alphabetical field order keeps the digest independent of
	// struct layout.
	fmt.Fprintf(h, "asset_no=%d|", m.AssetNo)
	fmt.Fprintf(h, "chunk_no=%d|", m.ChunkNo)
	fmt.Fprintf(h, "file_lastmod_at=%d|", m.FileLastModAt)
	fmt.Fprintf(h, "file_path=%s|", m.FilePath)
	fmt.Fprintf(h, "file_size=%d|", m.FileSize)
	fmt.Fprintf(h, "page_no=%d|", m.PageNo)
	fmt.Fprintf(h, "url=%s", m.URL)
	return hex.EncodeToString(h.Sum(nil))
}

// RefDocID returns the stable source id consulted by the docstore for
// duplicate detection. Temp-file paths are excluded so that a
// re-downloaded asset keeps the id of its URL, not of the scratch
// file it landed in.
func (m BasicMeta) RefDocID() string {
	path := m.FilePath
	if m.TempFilePath != "" && path == m.TempFilePath {
		path = ""
	}
	return "file_path:" + path +
		"_file_size:" + strconv.FormatInt(m.FileSize, 10) +
		"_file_lastmod_at:" + strconv.FormatInt(m.FileLastModAt, 10) +
		"_page_no:" + strconv.Itoa(m.PageNo) +
		"_url:" + m.URL
}

// Source returns the logical source identity used by the fingerprint
// cache: URL when present, else the file path.
func (m BasicMeta) Source() string {
	if m.URL != "" {
		return m.URL
	}
	return m.FilePath
}
