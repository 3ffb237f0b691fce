// Package config loads the engine configuration from flags, HAMSTORE_*
// environment variables, an optional YAML file and defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/rcliao/hamstore/internal/codec"
	"github.com/rcliao/hamstore/internal/embedding"
	"github.com/rcliao/hamstore/internal/index"
	"github.com/rcliao/hamstore/internal/lifecycle"
)

// EnvPrefix prefixes every environment override, e.g. HAMSTORE_DB_PATH.
const EnvPrefix = "HAMSTORE"

// Config is read once at startup and never mutated afterwards.
type Config struct {
	DBPath      string            `mapstructure:"db_path"`
	Log         LogConfig         `mapstructure:"log"`
	Codec       CodecConfig       `mapstructure:"codec"`
	Keys        KeysConfig        `mapstructure:"keys"`
	Index       IndexConfig       `mapstructure:"index"`
	Embedding   embedding.Config  `mapstructure:"embedding"`
	Abstraction AbstractionConfig `mapstructure:"abstraction"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Cache       CacheConfig       `mapstructure:"cache"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text | json
	File       string `mapstructure:"file"`   // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type CodecConfig struct {
	Candidates []string     `mapstructure:"candidates"`
	Policy     codec.Policy `mapstructure:"policy"`
	Threshold  ByteSize     `mapstructure:"threshold"`
	MinBytes   ByteSize     `mapstructure:"min_bytes"`
}

// KeysConfig names the key provider. Source is "file" or "env".
type KeysConfig struct {
	Source    string `mapstructure:"source"`
	File      string `mapstructure:"file"`
	EnvPrefix string `mapstructure:"env_prefix"`
}

type IndexConfig struct {
	Metric index.Metric `mapstructure:"metric"`
}

type AbstractionConfig struct {
	Summarizers []string `mapstructure:"summarizers"` // keyword | truncate | chat
	TopKeywords int      `mapstructure:"top_keywords"`
	InlineLimit ByteSize `mapstructure:"inline_limit"`
	ChatURL     string   `mapstructure:"chat_url"`
	ChatAPIKey  string   `mapstructure:"chat_api_key"`
	ChatModel   string   `mapstructure:"chat_model"`
}

type LifecycleConfig struct {
	MaxPackages         int               `mapstructure:"max_packages"`
	MaxBytes            ByteSize          `mapstructure:"max_bytes"`
	MaxEvictionsPerTick int               `mapstructure:"max_evictions_per_tick"`
	HalfLife            time.Duration     `mapstructure:"half_life"`
	FrequencyCap        int               `mapstructure:"frequency_cap"`
	Weights             lifecycle.Weights `mapstructure:"weights"`
	Schedule            string            `mapstructure:"schedule"`
}

type CacheConfig struct {
	MaxCost ByteSize `mapstructure:"max_cost"` // 0 disables the cache
}

// DefaultDBPath returns ~/.hamstore/memory.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hamstore.db"
	}
	return filepath.Join(home, ".hamstore", "memory.db")
}

// SetDefaults registers every key so env overrides and Unmarshal see them.
func SetDefaults(v *viper.Viper) {
	w := lifecycle.DefaultWeights()
	co := codec.DefaultOptions()
	for k, val := range map[string]any{
		"db_path":                          DefaultDBPath(),
		"log.level":                        "info",
		"log.format":                       "text",
		"log.file":                         "",
		"log.max_size_mb":                  50,
		"log.max_backups":                  3,
		"log.max_age_days":                 28,
		"codec.candidates":                 co.Candidates,
		"codec.policy":                     string(co.Policy),
		"codec.threshold":                  "4KiB",
		"codec.min_bytes":                  "64B",
		"keys.source":                      "file",
		"keys.file":                        filepath.Join(filepath.Dir(DefaultDBPath()), "keys.yaml"),
		"keys.env_prefix":                  "HAMSTORE_KEY_",
		"index.metric":                     string(index.Cosine),
		"embedding.provider":               "hash",
		"embedding.model":                  "",
		"embedding.url":                    "",
		"embedding.api_key":                "",
		"embedding.dims":                   256,
		"abstraction.summarizers":          []string{"keyword", "truncate"},
		"abstraction.top_keywords":         5,
		"abstraction.inline_limit":         "4KiB",
		"abstraction.chat_url":             "",
		"abstraction.chat_api_key":         "",
		"abstraction.chat_model":           "",
		"lifecycle.max_packages":           0,
		"lifecycle.max_bytes":              "0",
		"lifecycle.max_evictions_per_tick": 0,
		"lifecycle.half_life":              "168h",
		"lifecycle.frequency_cap":          100,
		"lifecycle.weights.recency":        w.Recency,
		"lifecycle.weights.frequency":      w.Frequency,
		"lifecycle.weights.hint":           w.Hint,
		"lifecycle.schedule":               "@every 10m",
		"cache.max_cost":                   "32MiB",
	} {
		v.SetDefault(k, val)
	}
}

// New returns a viper instance wired for HAMSTORE_* env overrides and
// loaded with defaults. Callers may bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the config file (if any) into v and decodes the result. An
// explicit file must exist; without one, ~/.hamstore/config.yaml is used when
// present.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Dir(DefaultDBPath()))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the components would otherwise reject later.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is empty"))
	}
	switch c.Codec.Policy {
	case codec.PolicyThreshold, codec.PolicySmallest, codec.PolicyFixed:
	default:
		errs = append(errs, fmt.Errorf("codec.policy %q is not one of threshold, smallest, fixed", c.Codec.Policy))
	}
	switch c.Keys.Source {
	case "file", "env":
	default:
		errs = append(errs, fmt.Errorf("keys.source %q is not one of file, env", c.Keys.Source))
	}
	if c.Keys.Source == "file" && c.Keys.File == "" {
		errs = append(errs, errors.New("keys.file is empty"))
	}
	switch c.Index.Metric {
	case index.Cosine, index.L2, index.Dot:
	default:
		errs = append(errs, fmt.Errorf("index.metric %q is not one of cosine, l2, dot", c.Index.Metric))
	}
	if c.Embedding.Dims <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dims must be positive, got %d", c.Embedding.Dims))
	}
	for _, s := range c.Abstraction.Summarizers {
		switch s {
		case "keyword", "truncate", "chat":
		default:
			errs = append(errs, fmt.Errorf("abstraction.summarizers: unknown strategy %q", s))
		}
	}
	if c.Lifecycle.MaxPackages < 0 || c.Lifecycle.MaxBytes < 0 || c.Lifecycle.MaxEvictionsPerTick < 0 {
		errs = append(errs, errors.New("lifecycle bounds must not be negative"))
	}
	if c.Lifecycle.HalfLife <= 0 {
		errs = append(errs, errors.New("lifecycle.half_life must be positive"))
	}
	w := c.Lifecycle.Weights
	if w.Recency < 0 || w.Frequency < 0 || w.Hint < 0 {
		errs = append(errs, errors.New("lifecycle.weights must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return ParseByteSize(data.(string))
		case reflect.Int, reflect.Int64, reflect.Int32:
			return ByteSize(reflect.ValueOf(data).Int()), nil
		case reflect.Float64:
			return ByteSize(data.(float64)), nil
		}
		return data, nil
	}
}
