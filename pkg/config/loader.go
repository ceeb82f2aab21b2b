package config

import (
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "QUIVER_"

// Option customizes loading.
type Option func(*loader)

// WithFile merges a YAML configuration file over the defaults. A missing
// file is an error; pass no file option to skip file loading.
func WithFile(path string) Option {
	return func(l *loader) { l.file = path }
}

type loader struct {
	file      string
	validator *validator.Validate
}

// Load builds the effective configuration. Precedence, lowest to highest:
// built-in defaults, the YAML file, QUIVER_* environment variables.
func Load(opts ...Option) (*Config, error) {
	l := &loader{validator: validator.New()}
	for _, opt := range opts {
		opt(l)
	}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := l.loadFile(k); err != nil {
		return nil, err
	}
	if err := l.loadEnvironment(k); err != nil {
		return nil, err
	}
	cfg, err := unmarshal(k)
	if err != nil {
		return nil, err
	}
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile parses the YAML file and mergo-merges it over the defaults
// already loaded into k.
func (l *loader) loadFile(k *koanf.Koanf) error {
	if l.file == "" {
		return nil
	}
	data, err := os.ReadFile(l.file)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", l.file, err)
	}
	var fileMap map[string]any
	if err := yaml.Unmarshal(data, &fileMap); err != nil {
		return fmt.Errorf("parse config file %s: %w", l.file, err)
	}
	merged := k.Raw()
	if err := mergo.Merge(&merged, fileMap, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config file %s: %w", l.file, err)
	}
	if err := k.Load(rawMap(merged), nil); err != nil {
		return fmt.Errorf("apply config file %s: %w", l.file, err)
	}
	return nil
}

// loadEnvironment layers QUIVER_* variables on top of the merged base.
// QUIVER_LOG_LEVEL=debug becomes log.level; everything after the first
// segment keeps its underscores, matching the struct tag names.
func (l *loader) loadEnvironment(k *koanf.Koanf) error {
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return transformEnvKey(key), value
		},
	}), nil); err != nil {
		return fmt.Errorf("load environment variables: %w", err)
	}
	return nil
}

// transformEnvKey converts QUIVER_LOG_LEVEL into log.level.
func transformEnvKey(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	parts := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		return r == '_'
	})
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags plus cross-field rules the tags cannot express.
func (l *loader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return validateDatabases(cfg)
}

func validateDatabases(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Databases))
	for _, db := range cfg.Databases {
		if seen[db.Name] {
			return fmt.Errorf("duplicate database name %q", db.Name)
		}
		seen[db.Name] = true
		if db.Driver == "postgres" && db.ConnString == "" {
			if db.Host == "" || db.Port == "" || db.User == "" || db.DBName == "" {
				return fmt.Errorf(
					"database %q incomplete: either conn_string or host, port, user and db_name are required",
					db.Name,
				)
			}
		}
	}
	return nil
}

// rawMap adapts an in-memory map to koanf's provider interface.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) { return r, nil }

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("ReadBytes not implemented")
}
