package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxConfigFileSize guards against loading a runaway file.
const maxConfigFileSize = 1 << 20

// Load reads configuration with the usual precedence: environment
// variables override the YAML file, the file overrides defaults.
//
// Environment variables use the RECALLD_ prefix with underscores as
// separators: RECALLD_SERVER_ADDR maps to server.addr,
// RECALLD_EMBEDDINGS_BASE_URL to embeddings.base_url.
//
// A missing file is fine; an unreadable or oversized one is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else {
			if len(data) > maxConfigFileSize {
				return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
			}
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	err := k.Load(env.Provider("RECALLD_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "RECALLD_"))
		// Only the first underscore separates the section; the rest are
		// literal, e.g. RECALLD_SEARCH_HIGH_THRESHOLD -> search.high_threshold.
		return strings.Replace(key, "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
