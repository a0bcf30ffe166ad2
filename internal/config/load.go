package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override, e.g. LISTENETL_STORAGE_DSN.
	EnvPrefix = "LISTENETL_"

	// ConfigPathEnvVar names a YAML file when --config is not given.
	ConfigPathEnvVar = "LISTENETL_CONFIG"
)

// sliceConfigPaths arrive from the environment as comma-separated strings.
var sliceConfigPaths = []string{"metrics.tags"}

// LoadOptions selects the file and the highest-priority overrides.
type LoadOptions struct {
	// Path of a YAML file. Empty falls back to $LISTENETL_CONFIG; no file is fine.
	Path string

	// Overrides are koanf paths ("storage.kind") set last, typically from flags.
	Overrides map[string]any
}

// Load builds the configuration from defaults, file, environment and overrides.
// It does not validate; call Validate on the result.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	path := opts.Path
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	known := envKeyMap(k.Keys())
	transform := func(key string) string {
		if key == ConfigPathEnvVar {
			return ""
		}
		return known[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))]
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for p, v := range opts.Overrides {
		if err := k.Set(p, v); err != nil {
			return nil, fmt.Errorf("config: override %s: %w", p, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// envKeyMap maps "storage_lock_path" to "storage.lock_path" for every known key.
// Keys are nested by section only, so the flattened name is unambiguous.
func envKeyMap(keys []string) map[string]string {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[strings.ReplaceAll(k, ".", "_")] = k
	}
	return m
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
