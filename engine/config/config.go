// Package config defines the persisted YAML configuration and its
// defaults. Secrets never live here: provider keys and store
// passwords are read from the environment by the components that need
// them.
package config

import (
	"fmt"

	"github.com/tesserai/tessera/engine/domain"
)

// Config is the full on-disk configuration.
type Config struct {
	General       General       `yaml:"general"`
	VectorStore   VectorStore   `yaml:"vector_store"`
	DocumentStore DocumentStore `yaml:"document_store"`
	IngestCache   IngestCache   `yaml:"ingest_cache"`
	Embed         Embed         `yaml:"embed"`
	Ingest        Ingest        `yaml:"ingest"`
	Rerank        Rerank        `yaml:"rerank"`
	Retrieve      Retrieve      `yaml:"retrieve"`
	LLM           LLM           `yaml:"llm"`
}

type General struct {
	Project       string `yaml:"project"`
	KnowledgeBase string `yaml:"knowledge_base"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Device        string `yaml:"device"`
	LogLevel      string `yaml:"log_level"`
	// NATSURL enables the job intake bridge when non-empty.
	NATSURL string `yaml:"nats_url"`
	// LineageURI enables the provenance graph when non-empty. The
	// password comes from NEO4J_PASSWORD.
	LineageURI  string `yaml:"lineage_uri"`
	LineageUser string `yaml:"lineage_user"`
}

type VectorStore struct {
	Backend        string `yaml:"backend"`
	Addr           string `yaml:"addr"`
	CacheLoadLimit int    `yaml:"cache_load_limit"`
	CheckUpdate    bool   `yaml:"check_update"`
	// MetaDSN points at the structured meta store. Credentials ride
	// the usual PG* environment variables, not this string.
	MetaDSN string `yaml:"meta_dsn"`
}

type DocumentStore struct {
	Backend string `yaml:"backend"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

type IngestCache struct {
	Backend string `yaml:"backend"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// ModelRef names one embedding backend. An empty Provider disables
// the modality. Alias defaults to Model and feeds the space key.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Alias    string `yaml:"alias"`
	Dim      int    `yaml:"dim"`
	URL      string `yaml:"url"`
}

// SpaceAlias returns the alias used in space-key derivation.
func (r ModelRef) SpaceAlias() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Model
}

// Enabled reports whether the modality has a configured backend.
func (r ModelRef) Enabled() bool { return r.Provider != "" }

type Embed struct {
	Text        ModelRef `yaml:"text"`
	Image       ModelRef `yaml:"image"`
	Audio       ModelRef `yaml:"audio"`
	Video       ModelRef `yaml:"video"`
	Concurrency int      `yaml:"concurrency"`
	// BatchIntervalMs spaces successive batch submissions for
	// rate-limited providers. Zero submits without pacing.
	BatchIntervalMs int `yaml:"batch_interval_ms"`
}

// ByModality returns the ModelRef for m.
func (e Embed) ByModality(m domain.Modality) ModelRef {
	switch m {
	case domain.ModalityText:
		return e.Text
	case domain.ModalityImage:
		return e.Image
	case domain.ModalityAudio:
		return e.Audio
	case domain.ModalityVideo:
		return e.Video
	}
	return ModelRef{}
}

type Ingest struct {
	ChunkSize         int      `yaml:"chunk_size"`
	ChunkOverlap      int      `yaml:"chunk_overlap"`
	AudioChunkSeconds int      `yaml:"audio_chunk_seconds"`
	VideoChunkSeconds int      `yaml:"video_chunk_seconds"`
	ReqPerSec         float64  `yaml:"req_per_sec"`
	TimeoutSec        int      `yaml:"timeout_sec"`
	SameOrigin        bool     `yaml:"same_origin"`
	MaxAssetBytes     int64    `yaml:"max_asset_bytes"`
	UserAgent         string   `yaml:"user_agent"`
	UploadDir         string   `yaml:"upload_dir"`
	PipePersistDir    string   `yaml:"pipe_persist_dir"`
	BatchSize         int      `yaml:"batch_size"`
	AdditionalExts    []string `yaml:"additional_exts"`
	AudioSampleRate   int      `yaml:"audio_sample_rate"`
	AudioBitrate      string   `yaml:"audio_bitrate"`
	// VideoFPS samples ingested videos into frame images at this
	// rate. Zero disables the splitter.
	VideoFPS    float64 `yaml:"video_fps"`
	FFmpegPath  string  `yaml:"ffmpeg_path"`
	FFprobePath string  `yaml:"ffprobe_path"`
}

type Rerank struct {
	Enabled  bool   `yaml:"enabled"`
	TopK     int    `yaml:"topk"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	URL      string `yaml:"url"`
}

type Retrieve struct {
	Mode                string  `yaml:"mode"`
	BM25TopK            int     `yaml:"bm25_topk"`
	FusionLambdaVector  float64 `yaml:"fusion_lambda_vector"`
	FusionLambdaBM25    float64 `yaml:"fusion_lambda_bm25"`
	UseModalityFallback bool    `yaml:"use_modality_fallback"`
}

type LLM struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	URL      string `yaml:"url"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		General: General{
			Project:       "tessera",
			KnowledgeBase: "default",
			Host:          "127.0.0.1",
			Port:          8080,
			Device:        "auto",
			LogLevel:      "info",
		},
		VectorStore: VectorStore{
			Backend:        "qdrant",
			Addr:           "localhost:6334",
			CacheLoadLimit: 10000,
			CheckUpdate:    false,
			MetaDSN:        "postgres://localhost:5432/tessera",
		},
		DocumentStore: DocumentStore{
			Backend: "redis",
			Addr:    "localhost:6379",
			DB:      0,
		},
		IngestCache: IngestCache{
			Backend: "redis",
			Addr:    "localhost:6379",
			DB:      1,
		},
		Embed: Embed{
			Text: ModelRef{
				Provider: "ollama",
				Model:    "nomic-embed-text",
				Dim:      768,
				URL:      "http://localhost:11434",
			},
			Concurrency: 2,
		},
		Ingest: Ingest{
			ChunkSize:         512,
			ChunkOverlap:      64,
			AudioChunkSeconds: 30,
			VideoChunkSeconds: 30,
			ReqPerSec:         2,
			TimeoutSec:        30,
			SameOrigin:        true,
			MaxAssetBytes:     32 << 20,
			UserAgent:         "tessera/0.1 (+https://github.com/tesserai/tessera)",
			UploadDir:         "",
			PipePersistDir:    "",
			BatchSize:         32,
			AudioSampleRate:   16000,
			AudioBitrate:      "32k",
			FFmpegPath:        "ffmpeg",
			FFprobePath:       "ffprobe",
		},
		Rerank: Rerank{
			Enabled: false,
			TopK:    5,
		},
		Retrieve: Retrieve{
			Mode:               "vector_only",
			BM25TopK:           10,
			FusionLambdaVector: 0.7,
			FusionLambdaBM25:   0.3,
		},
		LLM: LLM{
			Provider: "ollama",
			Model:    "llama3.2",
			URL:      "http://localhost:11434",
		},
	}
}

// Validate rejects values the runtime cannot build from.
func (c Config) Validate() error {
	if c.General.Project == "" || c.General.KnowledgeBase == "" {
		return fmt.Errorf("config: project and knowledge_base must be set")
	}
	switch c.VectorStore.Backend {
	case "qdrant":
	default:
		return fmt.Errorf("config: unsupported vector_store backend %q", c.VectorStore.Backend)
	}
	if c.DocumentStore.Backend != "redis" {
		return fmt.Errorf("config: unsupported document_store backend %q", c.DocumentStore.Backend)
	}
	if c.IngestCache.Backend != "redis" {
		return fmt.Errorf("config: unsupported ingest_cache backend %q", c.IngestCache.Backend)
	}
	if !c.Embed.Text.Enabled() && !c.Embed.Image.Enabled() &&
		!c.Embed.Audio.Enabled() && !c.Embed.Video.Enabled() {
		return fmt.Errorf("config: at least one embed modality must be configured")
	}
	for _, m := range domain.Modalities {
		ref := c.Embed.ByModality(m)
		if ref.Enabled() && ref.Dim <= 0 {
			return fmt.Errorf("config: embed.%s.dim must be positive", m)
		}
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("config: ingest.chunk_size must be positive")
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("config: ingest.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be positive")
	}
	switch c.Retrieve.Mode {
	case "vector_only", "bm25_only", "fusion":
	default:
		return fmt.Errorf("config: unsupported retrieve mode %q", c.Retrieve.Mode)
	}
	return nil
}
