// Package config loads the JSON configuration document that drives the
// extraction pipeline and backend query surface (spec.md §6).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// DDSConversion configures the external DDS converter.
type DDSConversion struct {
	Format            string `json:"format"`
	Quality           int    `json:"quality"`
	PreserveOriginals bool   `json:"preserveOriginals"`
}

// Conversion groups all asset-conversion settings.
type Conversion struct {
	DDS DDSConversion `json:"dds"`
}

// Tools names the external binaries this repository shells out to.
type Tools struct {
	LibGGPK3 string `json:"libggpk3"`
	PyPoE    string `json:"pypoe"`
	Ooz      string `json:"ooz"`
}

// Extraction groups preset/pattern overrides.
type Extraction struct {
	Patterns map[string][]string `json:"patterns"`
}

// Config is the top-level document shape (spec.md §6 "Configuration file").
type Config struct {
	PoE2Path   string     `json:"poe2Path"`
	OutputDir  string     `json:"outputDir"`
	CacheDir   string     `json:"cacheDir"`
	Threads    int        `json:"threads"`
	SchemaPath string     `json:"schemaPath"`
	Tools      Tools      `json:"tools"`
	Conversion Conversion `json:"conversion"`
	Extraction Extraction `json:"extraction"`
}

// ErrMissingPoE2Path is returned when the loaded document does not name
// a game install (the only required field, per spec.md §6).
var ErrMissingPoE2Path = xerrors.New("config: poe2Path is required")

// poe2PathEnv and schemaPathEnv are the two environment-variable
// overrides named in spec.md §6, following the teacher's internal/env
// package convention of a package-level find* function consulted ahead
// of a default.
const (
	poe2PathEnv   = "GGPK_POE2_PATH"
	schemaPathEnv = "GGPK_SCHEMA_PATH"
)

func findEnvOverride(name string) string {
	return os.Getenv(name)
}

// Load reads and validates a configuration document from path, applying
// default values and the two environment-variable overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, xerrors.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if cfg.PoE2Path == "" {
		return nil, ErrMissingPoE2Path
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./extracted"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./cache"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.SchemaPath == "" {
		cfg.SchemaPath = "./schema.min.json"
	}
	if cfg.Conversion.DDS.Format == "" {
		cfg.Conversion.DDS.Format = "png"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := findEnvOverride(poe2PathEnv); v != "" {
		cfg.PoE2Path = v
	}
	if v := findEnvOverride(schemaPathEnv); v != "" {
		cfg.SchemaPath = v
	}
}

// AbsOutputDir resolves cfg.OutputDir relative to the config file's
// directory when it is not already absolute.
func AbsOutputDir(cfg *Config, configPath string) string {
	if filepath.IsAbs(cfg.OutputDir) {
		return cfg.OutputDir
	}
	return filepath.Join(filepath.Dir(configPath), cfg.OutputDir)
}
