package domain

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
)

var storeSafe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_]{1,61}[A-Za-z0-9]$`)

// Sanitize maps raw to a store-safe identifier: characters outside
// [A-Za-z0-9_] become underscores, and any result that still falls
// outside ^[A-Za-z0-9][A-Za-z0-9_]{1,61}[A-Za-z0-9]$ collapses to the
// MD5 hex digest of the raw string. Output is deterministic for a
// given input.
func Sanitize(raw string) string {
	b := []byte(raw)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			b[i] = '_'
		}
	}
	s := string(b)
	if storeSafe.MatchString(s) {
		return s
	}
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SpaceKey derives the logical space identifier for an embedding
// backend. alias defaults to the model name when empty. Changing
// provider, alias, or modality yields a different space, which keeps
// vectors of different dimensions apart.
func SpaceKey(provider, alias string, m Modality) string {
	return Sanitize(provider + "_" + alias + "_" + m.Tag())
}

// Store-name derivations. Every per-space store uses a table name
// built from (project, knowledge base, space key) plus a role suffix.
func VectorTable(project, kb, space string) string {
	return project + "__" + kb + "__" + space + "__vec"
}

func DocNamespace(project, kb, space string) string {
	return project + "__" + kb + "__" + space + "__doc"
}

func CacheCollection(project, kb, space string) string {
	return project + "_" + kb + "_" + space + "_ic"
}

func MetaTable(project, kb, space string) string {
	return project + "_" + kb + "_" + space + "_meta"
}
