// Package reader turns sources into documents: files and directories,
// fetched web pages, Wikipedia articles, and sitemaps. Readers only
// produce documents; chunking and embedding happen downstream.
package reader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/pkg/media"
)

// TempPath derives a stable scratch path for a source. Repeated runs
// of the same source land on the same file, which keeps temp-file
// identities and therefore fingerprints stable.
func TempPath(dir, source, ext string) string {
	sum := md5.Sum([]byte(source))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+ext)
}

// ErrAssetTooLarge marks a download that exceeded the configured
// byte limit.
var ErrAssetTooLarge = errors.New("reader: asset exceeds size limit")

// ErrNotAsset marks an asset URL that answered with an HTML page
// instead of a file, the usual shape of a soft 404.
var ErrNotAsset = errors.New("reader: asset resolved to an html page")

// Loader reads local files and directories into documents.
type Loader struct {
	pdf       *PDFReader
	media     *media.Tools
	tmpDir    string
	extraExts []string
	// audioFromVideo additionally emits each video's audio track as
	// an audio document when the audio space is enabled.
	audioFromVideo bool
	// videoFPS, when positive, splits each video into frame images
	// sampled at that rate.
	videoFPS   float64
	sampleRate int
	bitrate    string
	log        *slog.Logger
}

// LoaderOpts configures a Loader.
type LoaderOpts struct {
	PDF            *PDFReader
	Media          *media.Tools
	TmpDir         string
	ExtraExts      []string
	AudioFromVideo bool
	VideoFPS       float64
	SampleRate     int
	Bitrate        string
	Log            *slog.Logger
}

// NewLoader builds a Loader. TmpDir defaults to the system temp
// directory.
func NewLoader(opts LoaderOpts) *Loader {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.TmpDir == "" {
		opts.TmpDir = filepath.Join(os.TempDir(), "tessera")
	}
	return &Loader{
		pdf:            opts.PDF,
		media:          opts.Media,
		tmpDir:         opts.TmpDir,
		extraExts:      opts.ExtraExts,
		audioFromVideo: opts.AudioFromVideo,
		videoFPS:       opts.VideoFPS,
		sampleRate:     opts.SampleRate,
		bitrate:        opts.Bitrate,
		log:            opts.Log,
	}
}

// LoadPath reads a file or walks a directory. Unsupported files are
// skipped with a log line, not an error; an empty result for an
// existing path is ErrEmptySource.
func (l *Loader) LoadPath(ctx context.Context, path string) ([]domain.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reader: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return l.loadFile(ctx, path)
	}

	var docs []domain.Document
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		fileDocs, err := l.loadFile(ctx, p)
		if errors.Is(err, domain.ErrUnsupportedFileType) {
			l.log.Debug("skipping unsupported file", "path", p)
			return nil
		}
		if err != nil {
			return err
		}
		docs = append(docs, fileDocs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reader: walk %s: %w", path, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("reader: %s: %w", path, domain.ErrEmptySource)
	}
	return docs, nil
}

func (l *Loader) loadFile(ctx context.Context, path string) ([]domain.Document, error) {
	mod, ok := domain.Classify(path, l.extraExts)
	if !ok {
		return nil, fmt.Errorf("reader: %s: %w", path, domain.ErrUnsupportedFileType)
	}
	switch {
	case domain.IsPDF(path):
		if l.pdf == nil {
			return nil, fmt.Errorf("reader: %s: %w", path, domain.ErrUnsupportedFileType)
		}
		return l.pdf.Read(ctx, path)
	case mod == domain.ModalityText:
		return l.readText(path)
	case mod == domain.ModalityAudio:
		return l.readAudio(ctx, path)
	case mod == domain.ModalityVideo:
		return l.readVideo(ctx, path)
	default:
		return l.readMedia(path, mod)
	}
}

func (l *Loader) readText(path string) ([]domain.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reader: read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("reader: %s: %w", path, domain.ErrEmptySource)
	}
	meta, err := statMeta(path)
	if err != nil {
		return nil, err
	}
	return []domain.Document{{Text: text, Modality: domain.ModalityText, Meta: meta}}, nil
}

func (l *Loader) readMedia(path string, mod domain.Modality) ([]domain.Document, error) {
	meta, err := statMeta(path)
	if err != nil {
		return nil, err
	}
	return []domain.Document{{MediaPath: path, Modality: mod, Meta: meta}}, nil
}

// readAudio normalizes a standalone audio file to mono mp3 at the
// configured sample rate and bitrate under a deterministic temp path,
// so every audio embedder input arrives in one format. A failed
// transcode falls back to the original file.
func (l *Loader) readAudio(ctx context.Context, path string) ([]domain.Document, error) {
	if l.media == nil || l.sampleRate <= 0 {
		return l.readMedia(path, domain.ModalityAudio)
	}
	if err := os.MkdirAll(l.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("reader: mkdir %s: %w", l.tmpDir, err)
	}
	dst := TempPath(l.tmpDir, path, ".mp3")
	if err := l.media.TranscodeAudio(ctx, path, dst, l.sampleRate, l.bitrate); err != nil {
		l.log.Warn("audio transcode failed, keeping original", "path", path, "error", err)
		return l.readMedia(path, domain.ModalityAudio)
	}
	// Identity stays with the source file; the transcoded copy is only
	// what gets fed to the embedder.
	meta, err := statMeta(path)
	if err != nil {
		return nil, err
	}
	meta.TempFilePath = dst
	return []domain.Document{{MediaPath: dst, Modality: domain.ModalityAudio, Meta: meta}}, nil
}

// maxVideoFrames caps how many frames one video may contribute.
const maxVideoFrames = 256

// readVideo emits the video document and, when enabled, its sampled
// frame images and its audio track as companion documents under
// deterministic temp paths.
func (l *Loader) readVideo(ctx context.Context, path string) ([]domain.Document, error) {
	docs, err := l.readMedia(path, domain.ModalityVideo)
	if err != nil {
		return nil, err
	}
	if l.media == nil || (!l.audioFromVideo && l.videoFPS <= 0) {
		return docs, nil
	}

	info, err := l.media.Probe(ctx, path)
	if err != nil {
		l.log.Warn("probe failed, skipping video split", "path", path, "error", err)
		return docs, nil
	}
	if err := os.MkdirAll(l.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("reader: mkdir %s: %w", l.tmpDir, err)
	}

	if l.videoFPS > 0 && info.HasVideo {
		docs = append(docs, l.splitFrames(ctx, path, info.DurationSec, docs[0].Meta)...)
	}

	if !l.audioFromVideo || !info.HasAudio {
		return docs, nil
	}
	dst := TempPath(l.tmpDir, path, ".mp3")
	if err := l.media.ExtractAudio(ctx, path, dst, l.sampleRate, l.bitrate); err != nil {
		l.log.Warn("audio extraction failed", "path", path, "error", err)
		return docs, nil
	}
	meta, err := statMeta(dst)
	if err != nil {
		return nil, err
	}
	meta.TempFilePath = dst
	meta.BaseSource = path
	meta.AssetNo = 1
	docs = append(docs, domain.Document{MediaPath: dst, Modality: domain.ModalityAudio, Meta: meta})
	return docs, nil
}

// splitFrames samples one frame image per 1/fps seconds across the
// video. Frames inherit the video's size and mtime so their identity
// does not depend on the extraction run; a failed frame is skipped
// but keeps its position in the numbering.
func (l *Loader) splitFrames(ctx context.Context, path string, durSec float64, base domain.BasicMeta) []domain.Document {
	var docs []domain.Document
	step := 1.0 / l.videoFPS
	no := 0
	for at := 0.0; at < durSec; at += step {
		if ctx.Err() != nil {
			return docs
		}
		if no >= maxVideoFrames {
			l.log.Warn("frame cap reached", "path", path, "cap", maxVideoFrames)
			return docs
		}
		no++
		dst := TempPath(l.tmpDir, fmt.Sprintf("%s#fps%d", path, no), ".jpg")
		if err := l.media.Frame(ctx, path, dst, at); err != nil {
			l.log.Warn("frame extraction failed", "path", path, "at", at, "error", err)
			continue
		}
		docs = append(docs, domain.Document{
			MediaPath: dst,
			Modality:  domain.ModalityImage,
			Meta: domain.BasicMeta{
				FilePath:      dst,
				TempFilePath:  dst,
				FileType:      fileType(dst),
				FileSize:      base.FileSize,
				FileLastModAt: base.FileLastModAt,
				BaseSource:    path,
				AssetNo:       no,
			},
		})
	}
	return docs
}

// statMeta fills file identity fields from the filesystem.
func statMeta(path string) (domain.BasicMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.BasicMeta{}, fmt.Errorf("reader: stat %s: %w", path, err)
	}
	return domain.BasicMeta{
		FilePath:      path,
		FileType:      fileType(path),
		FileSize:      info.Size(),
		FileLastModAt: info.ModTime().Unix(),
		BaseSource:    path,
	}, nil
}

func fileType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return strings.TrimPrefix(ext, ".")
}
