package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"gpuboot/internal/common/fsutil"
)

// Load reads a configuration file based on its extension on top of Default,
// so keys missing from the file keep their defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// readEnv overlays environment variables named by `env` struct tags.
var readEnv = func(cfg *Config) error { return cleanenv.ReadEnv(cfg) }

// Resolve builds the effective configuration: defaults, then the optional
// file at path, then environment overrides. Paths are home-expanded and the
// result is validated.
func Resolve(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := readEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}
	for _, p := range []*string{&cfg.StateDir, &cfg.Service.ComposeDir, &cfg.Assets.DataDir, &cfg.Assets.LogFile, &cfg.Assets.SetupReadyFile, &cfg.Metrics.Textfile} {
		expanded, err := fsutil.ExpandHome(*p)
		if err != nil {
			return cfg, err
		}
		*p = expanded
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
