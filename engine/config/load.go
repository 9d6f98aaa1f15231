package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvPath overrides the default config location when set.
const EnvPath = "TESSERA_CONFIG"

// Path returns the config file location: $TESSERA_CONFIG if set, else
// <user config dir>/tessera/config.yaml.
func Path() (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve config dir: %w", err)
	}
	return filepath.Join(base, "tessera", "config.yaml"), nil
}

// Load reads the config at path. A missing file writes defaults and
// returns them. Keys absent from the file keep their default values,
// so old config files survive new releases.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("config not found, writing defaults", "path", path)
		if werr := Save(path, cfg); werr != nil {
			return cfg, werr
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if missing := missingKeys(raw); len(missing) > 0 {
		logger.Warn("config missing keys, using defaults", "keys", missing)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

// missingKeys reports top-level sections absent from the raw file.
func missingKeys(raw []byte) []string {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	sections := []string{
		"general", "vector_store", "document_store", "ingest_cache",
		"embed", "ingest", "rerank", "retrieve", "llm",
	}
	var missing []string
	for _, s := range sections {
		if _, ok := doc[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
