package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the host (core section) configuration.
type Config struct {
	ConfigFile string
	HTTPAddr   string
	LogLevel   slog.Level
	PluginsDir string
	SecretsDir string // Directory file: value references are resolved against
}

// LoadConfig reads the core settings from the environment.
func LoadConfig() Config {
	cfg := Config{
		ConfigFile: os.Getenv("CONFIG_FILE"),
		HTTPAddr:   os.Getenv("HTTP_ADDR"),
		PluginsDir: os.Getenv("PLUGINS_DIR"),
		SecretsDir: os.Getenv("SECRETS_DIR"),
		LogLevel:   parseLevel(os.Getenv("LOG_LEVEL")),
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = "config.yaml"
	}
	return cfg
}

// ConfigMap is a sectioned configuration map keyed by plugin name (or "core").
// Values are YAML-friendly scalars or nested maps/lists.
type ConfigMap map[string]map[string]any

// LoadConfigFile loads a YAML config file from disk.
// Returns an empty map if the file does not exist or is empty.
func LoadConfigFile(path string) (ConfigMap, error) {
	if path == "" {
		return ConfigMap{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConfigMap{}, nil
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML document into a ConfigMap.
func ParseConfig(data []byte) (ConfigMap, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return ConfigMap{}, nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return normalizeConfigMap(raw), nil
}

// LoadConfigMapFromEnv builds a sectioned config map from environment variables.
// This allows config-file values to override env values without losing defaults.
func LoadConfigMapFromEnv() ConfigMap {
	cfg := ConfigMap{
		"core": {
			"http_addr":   os.Getenv("HTTP_ADDR"),
			"log_level":   os.Getenv("LOG_LEVEL"),
			"plugins_dir": os.Getenv("PLUGINS_DIR"),
			"secrets_dir": os.Getenv("SECRETS_DIR"),
		},
		"google_secret_manager": {
			"project_id": os.Getenv("GOOGLE_CLOUD_PROJECT"),
		},
		"webhook": {
			"url": os.Getenv("NOTIFY_WEBHOOK_URL"),
		},
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_EVENTS"); v != "" {
		cfg["webhook"]["subscribe"] = v
	}
	return dropEmpty(cfg)
}

// LoadConfigFromMap builds a core Config from a map.
// Supported keys (yaml): http_addr, log_level, plugins_dir, secrets_dir.
func LoadConfigFromMap(m map[string]any) Config {
	cfg := Config{}

	if v, ok := getString(m, "http_addr"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := getString(m, "log_level"); ok {
		cfg.LogLevel = parseLevel(v)
	}
	if v, ok := getString(m, "plugins_dir"); ok {
		cfg.PluginsDir = v
	}
	if v, ok := getString(m, "secrets_dir"); ok {
		cfg.SecretsDir = v
	}

	return cfg
}

// MergeConfig uses primary values when set, otherwise falls back.
func MergeConfig(primary, fallback Config) Config {
	out := primary
	if out.ConfigFile == "" {
		out.ConfigFile = fallback.ConfigFile
	}
	if out.HTTPAddr == "" {
		out.HTTPAddr = fallback.HTTPAddr
	}
	if out.LogLevel == slog.LevelInfo {
		out.LogLevel = fallback.LogLevel
	}
	if out.PluginsDir == "" {
		out.PluginsDir = fallback.PluginsDir
	}
	if out.SecretsDir == "" {
		out.SecretsDir = fallback.SecretsDir
	}
	return out
}

// MergeConfigMap merges primary over fallback (primary wins).
func MergeConfigMap(primary, fallback ConfigMap) ConfigMap {
	out := cloneConfigMap(fallback)
	for section, vals := range primary {
		if len(vals) == 0 {
			continue
		}
		merged := map[string]any{}
		if existing, ok := out[section]; ok {
			for k, v := range existing {
				merged[k] = v
			}
		}
		for k, v := range vals {
			merged[k] = v
		}
		out[section] = merged
	}
	return out
}

// Load reads the file at path and merges it over the environment.
func Load(path string) (ConfigMap, error) {
	file, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	return MergeConfigMap(file, LoadConfigMapFromEnv()), nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func dropEmpty(cfg ConfigMap) ConfigMap {
	for section, vals := range cfg {
		for k, v := range vals {
			if s, ok := v.(string); ok && s == "" {
				delete(vals, k)
			}
		}
		if len(vals) == 0 {
			delete(cfg, section)
		}
	}
	return cfg
}

func cloneConfigMap(src ConfigMap) ConfigMap {
	dst := ConfigMap{}
	for section, vals := range src {
		sectionCopy := map[string]any{}
		for k, v := range vals {
			sectionCopy[k] = v
		}
		dst[section] = sectionCopy
	}
	return dst
}

func normalizeConfigMap(raw map[string]any) ConfigMap {
	out := ConfigMap{}
	for key, value := range raw {
		if m := normalizeStringMap(value); m != nil {
			out[key] = m
		}
	}
	return out
}

func normalizeStringMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		out := map[string]any{}
		for k, v := range t {
			out[k] = normalizeValue(v)
		}
		return out
	case map[any]any:
		out := map[string]any{}
		for k, v := range t {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = normalizeValue(v)
		}
		return out
	default:
		return nil
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any, map[any]any:
		return normalizeStringMap(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return v
	}
}

func getString(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			switch t := v.(type) {
			case string:
				return strings.TrimSpace(t), true
			default:
				return strings.TrimSpace(fmt.Sprint(t)), true
			}
		}
	}
	return "", false
}
