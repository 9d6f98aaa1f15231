package retrieve

import (
	"context"
	"fmt"
	"time"

	"github.com/tesserai/tessera/engine/domain"
)

// TextToImage retrieves image chunks for a text query through the
// image space's cross-modal encoder. A backend without a text tower
// surfaces domain.ErrCrossModalQuery.
func (e *Engine) TextToImage(ctx context.Context, query string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("text_image").Inc()

	if err := validate(query, topK); err != nil {
		return nil, err
	}
	hits, err := e.vectorTextSearch(ctx, domain.ModalityImage, query, topK, nil)
	if err != nil {
		return nil, err
	}
	return e.fill(ctx, domain.ModalityImage, hits), nil
}

// ImageToImage retrieves image chunks similar to a reference image.
func (e *Engine) ImageToImage(ctx context.Context, path string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("image_image").Inc()

	return e.fileQuery(ctx, domain.ModalityImage, domain.ModalityImage, path, topK, nil)
}

// TextToAudio retrieves audio chunks for a text query.
func (e *Engine) TextToAudio(ctx context.Context, query string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("text_audio").Inc()

	if err := validate(query, topK); err != nil {
		return nil, err
	}
	hits, err := e.vectorTextSearch(ctx, domain.ModalityAudio, query, topK, nil)
	if err != nil {
		return nil, err
	}
	return e.fill(ctx, domain.ModalityAudio, hits), nil
}

// AudioToAudio retrieves audio chunks similar to a reference
// recording.
func (e *Engine) AudioToAudio(ctx context.Context, path string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("audio_audio").Inc()

	return e.fileQuery(ctx, domain.ModalityAudio, domain.ModalityAudio, path, topK, nil)
}

// TextToVideo retrieves video chunks for a text query. Without a video
// space the query is served from the image space's key frames when
// modality fallback is enabled.
func (e *Engine) TextToVideo(ctx context.Context, query string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("text_video").Inc()

	if err := validate(query, topK); err != nil {
		return nil, err
	}
	mod, filters, err := e.videoSpace()
	if err != nil {
		return nil, err
	}
	hits, err := e.vectorTextSearch(ctx, mod, query, topK, filters)
	if err != nil {
		return nil, err
	}
	return e.fill(ctx, mod, hits), nil
}

// ImageToVideo retrieves video chunks similar to a reference image.
func (e *Engine) ImageToVideo(ctx context.Context, path string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("image_video").Inc()

	mod, filters, err := e.videoSpace()
	if err != nil {
		return nil, err
	}
	return e.fileQuery(ctx, mod, mod, path, topK, filters)
}

// AudioToVideo retrieves video chunks similar to a reference
// recording. The key-frame fallback cannot serve it; frames carry no
// audio tower.
func (e *Engine) AudioToVideo(ctx context.Context, path string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("audio_video").Inc()

	if _, err := e.embed.Container(domain.ModalityVideo); err != nil {
		return nil, fmt.Errorf("retrieve: audio to video: %w", err)
	}
	return e.fileQuery(ctx, domain.ModalityVideo, domain.ModalityVideo, path, topK, nil)
}

// VideoToVideo retrieves video chunks similar to a reference video.
func (e *Engine) VideoToVideo(ctx context.Context, path string, topK int) ([]domain.Scored, error) {
	start := time.Now()
	defer e.querySeconds.Since(start)
	e.queriesTotal("video_video").Inc()

	if _, err := e.embed.Container(domain.ModalityVideo); err != nil {
		return nil, fmt.Errorf("retrieve: video to video: %w", err)
	}
	return e.fileQuery(ctx, domain.ModalityVideo, domain.ModalityVideo, path, topK, nil)
}

// fileQuery embeds a reference file into encodeMod's space and
// searches it, filling hits from storeMod's docstore.
func (e *Engine) fileQuery(ctx context.Context, encodeMod, storeMod domain.Modality, path string, topK int, filters map[string]string) ([]domain.Scored, error) {
	if err := validatePath(path, topK); err != nil {
		return nil, err
	}
	vec, err := e.embed.EncodeQueryFile(ctx, encodeMod, path)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	hits, err := e.vectorSearch(ctx, encodeMod, vec, topK, filters)
	if err != nil {
		return nil, err
	}
	return e.fill(ctx, storeMod, hits), nil
}

// videoSpace resolves which space serves video queries: the video
// space when configured, else the image space restricted to key-frame
// nodes when modality fallback is on.
func (e *Engine) videoSpace() (domain.Modality, map[string]string, error) {
	if _, err := e.embed.Container(domain.ModalityVideo); err == nil {
		return domain.ModalityVideo, nil, nil
	}
	if e.cfg.UseModalityFallback {
		if _, err := e.embed.Container(domain.ModalityImage); err == nil {
			return domain.ModalityImage, map[string]string{"modality": string(domain.ModalityVideo)}, nil
		}
	}
	return "", nil, fmt.Errorf("retrieve: video: %w", domain.ErrModalityDisabled)
}
