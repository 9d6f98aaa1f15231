// Package domain holds the core data model shared by every engine
// package: modalities, document metadata, nodes, and the naming rules
// for embedding spaces and their backing stores.
package domain

import (
	"path/filepath"
	"strings"
)

// Modality identifies which embedding space a document or node
// belongs to.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

// Modalities lists all modalities in canonical order.
var Modalities = []Modality{ModalityText, ModalityImage, ModalityAudio, ModalityVideo}

// Tag returns the two-letter short form used in space keys.
func (m Modality) Tag() string {
	switch m {
	case ModalityText:
		return "te"
	case ModalityImage:
		return "im"
	case ModalityAudio:
		return "au"
	case ModalityVideo:
		return "vi"
	}
	return "xx"
}

// Valid reports whether m is one of the four known modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityImage, ModalityAudio, ModalityVideo:
		return true
	}
	return false
}

// IsMedia reports whether nodes of this modality reference a media
// file on disk rather than inline text.
func (m Modality) IsMedia() bool {
	return m == ModalityImage || m == ModalityAudio || m == ModalityVideo
}

// ParseModality converts a string to a Modality.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", NewValidationError("modality", s, ErrUnknownModality)
	}
	return m, nil
}

// Extension sets recognized at ingestion. Extensions are matched
// lowercase with the leading dot.
var (
	textExts = map[string]bool{
		".txt": true, ".md": true, ".markdown": true, ".rst": true,
		".html": true, ".htm": true, ".xml": true, ".json": true,
		".yaml": true, ".yml": true, ".toml": true, ".csv": true,
		".tsv": true, ".log": true, ".pdf": true,
	}
	imageExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".bmp": true, ".webp": true, ".tiff": true, ".tif": true,
	}
	audioExts = map[string]bool{
		".mp3": true, ".wav": true, ".flac": true, ".ogg": true,
		".m4a": true, ".aac": true, ".wma": true,
	}
	videoExts = map[string]bool{
		".mp4": true, ".avi": true, ".mkv": true, ".mov": true,
		".webm": true, ".flv": true, ".wmv": true, ".mpeg": true,
		".mpg": true,
	}
)

// Classify maps a file path to its modality by extension. extra lists
// additional extensions that should be treated as text. The second
// return is false when the extension is not recognized at all; such
// files are skipped by the loaders.
func Classify(path string, extra []string) (Modality, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case textExts[ext]:
		return ModalityText, true
	case imageExts[ext]:
		return ModalityImage, true
	case audioExts[ext]:
		return ModalityAudio, true
	case videoExts[ext]:
		return ModalityVideo, true
	}
	for _, e := range extra {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if ext == e {
			return ModalityText, true
		}
	}
	return "", false
}

// IsPDF reports whether the path carries a .pdf extension. PDFs are
// text-modality but route through the page-splitting reader.
func IsPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
