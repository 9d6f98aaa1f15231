// Package media shells out to ffmpeg/ffprobe for probing, audio
// transcoding, and fixed-window slicing of audio and video files.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Tools wraps the ffmpeg and ffprobe binaries.
type Tools struct {
	FFmpeg  string
	FFprobe string
	Log     *slog.Logger

	// run is the subprocess seam, replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New builds Tools. Empty paths fall back to binaries on PATH.
func New(ffmpeg, ffprobe string, logger *slog.Logger) *Tools {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{FFmpeg: ffmpeg, FFprobe: ffprobe, Log: logger, run: runCmd}
}

// NewWithRunner builds Tools over a custom subprocess runner.
func NewWithRunner(ffmpeg, ffprobe string, logger *slog.Logger, run func(ctx context.Context, name string, args ...string) ([]byte, error)) *Tools {
	t := New(ffmpeg, ffprobe, logger)
	if run != nil {
		t.run = run
	}
	return t
}

func runCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("media: %s: %w: %s", name, err, tail(out))
	}
	return out, nil
}

// tail keeps the last part of subprocess output for error messages.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 400 {
		s = "..." + s[len(s)-400:]
	}
	return s
}

// Info summarizes a probed container.
type Info struct {
	DurationSec float64
	HasAudio    bool
	HasVideo    bool
	Format      string
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// Probe reads duration and stream layout via ffprobe.
func (t *Tools) Probe(ctx context.Context, path string) (Info, error) {
	out, err := t.run(ctx, t.FFprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	if err != nil {
		return Info{}, fmt.Errorf("media: probe %s: %w", path, err)
	}
	var po probeOutput
	if err := json.Unmarshal(bytes.TrimSpace(out), &po); err != nil {
		return Info{}, fmt.Errorf("media: parse probe of %s: %w", path, err)
	}
	info := Info{Format: po.Format.FormatName}
	if po.Format.Duration != "" {
		d, err := strconv.ParseFloat(po.Format.Duration, 64)
		if err != nil {
			return Info{}, fmt.Errorf("media: duration %q of %s: %w", po.Format.Duration, path, err)
		}
		info.DurationSec = d
	}
	for _, s := range po.Streams {
		switch s.CodecType {
		case "audio":
			info.HasAudio = true
		case "video":
			info.HasVideo = true
		}
	}
	return info, nil
}

// TranscodeAudio rewrites src as mono mp3 at the given sample rate
// and bitrate.
func (t *Tools) TranscodeAudio(ctx context.Context, src, dst string, sampleRate int, bitrate string) error {
	_, err := t.run(ctx, t.FFmpeg,
		"-y", "-i", src,
		"-vn", "-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-b:a", bitrate,
		dst,
	)
	if err != nil {
		return fmt.Errorf("media: transcode %s: %w", src, err)
	}
	return nil
}

// SliceAudio cuts [startSec, startSec+durSec) out of src into an mp3.
func (t *Tools) SliceAudio(ctx context.Context, src, dst string, startSec, durSec float64, sampleRate int, bitrate string) error {
	_, err := t.run(ctx, t.FFmpeg,
		"-y",
		"-ss", formatSec(startSec),
		"-t", formatSec(durSec),
		"-i", src,
		"-vn", "-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-b:a", bitrate,
		dst,
	)
	if err != nil {
		return fmt.Errorf("media: slice audio %s @%gs: %w", src, startSec, err)
	}
	return nil
}

// SliceVideo cuts [startSec, startSec+durSec) out of src, stream
// copied to keep slicing cheap.
func (t *Tools) SliceVideo(ctx context.Context, src, dst string, startSec, durSec float64) error {
	_, err := t.run(ctx, t.FFmpeg,
		"-y",
		"-ss", formatSec(startSec),
		"-t", formatSec(durSec),
		"-i", src,
		"-c", "copy",
		dst,
	)
	if err != nil {
		return fmt.Errorf("media: slice video %s @%gs: %w", src, startSec, err)
	}
	return nil
}

// ExtractAudio pulls the audio track of a video into an mp3.
func (t *Tools) ExtractAudio(ctx context.Context, src, dst string, sampleRate int, bitrate string) error {
	return t.TranscodeAudio(ctx, src, dst, sampleRate, bitrate)
}

// Frame grabs the single frame at atSec into an image file.
func (t *Tools) Frame(ctx context.Context, src, dst string, atSec float64) error {
	_, err := t.run(ctx, t.FFmpeg,
		"-y",
		"-ss", formatSec(atSec),
		"-i", src,
		"-frames:v", "1",
		"-q:v", "2",
		dst,
	)
	if err != nil {
		return fmt.Errorf("media: frame %s @%gs: %w", src, atSec, err)
	}
	return nil
}

func formatSec(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
