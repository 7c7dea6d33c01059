package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Prompts   PromptsConfig   `mapstructure:"prompts"`
	Storage   StorageConfig   `mapstructure:"storage"`
	KB        KBConfig        `mapstructure:"kb"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	APIToken string `mapstructure:"api_token"`
}

type ModelConfig struct {
	Provider    string        `mapstructure:"provider"`
	Name        string        `mapstructure:"name"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
}

type RetrievalConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	TopK    int           `mapstructure:"top_k"`
}

type PipelineConfig struct {
	Workers int `mapstructure:"workers"`
}

type PromptsConfig struct {
	Version          string `mapstructure:"version"`
	// MaxContextTokens bounds the retrieved evidence in the drafting prompt; 0 disables the bound.
	MaxContextTokens int    `mapstructure:"max_context_tokens"`
}

type StorageConfig struct {
	Driver  string `mapstructure:"driver"`
	DataDir string `mapstructure:"data_dir"`
	DSN     string `mapstructure:"dsn"`
}

type KBConfig struct {
	Dir  string `mapstructure:"dir"`
	Port int    `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from defaults, an optional config file and
// environment variables, in increasing priority.
//
// With an empty path the file is $XDG_CONFIG_HOME/convqa/config.yaml when it
// exists. Any YAML, JSON or TOML file viper understands may be passed.
// Environment variables are CONVQA_<SECTION>_<KEY>, e.g. CONVQA_MODEL_NAME.
// OPENAI_API_KEY is accepted for model.api_key.
func Load(path string) (Config, error) {
	return loadFromPath(resolve(path))
}

// Read resolves configuration like Load but skips validation. Commands that
// need only part of the config, such as the knowledge base server, use it.
func Read(path string) (Config, error) {
	return decode(resolve(path))
}

func resolve(path string) string {
	if path == "" {
		if p := DefaultConfigFile(); fileExists(p) {
			return p
		}
	}
	return path
}

func loadFromPath(path string) (Config, error) {
	cfg, err := decode(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, s := range specs {
		v.SetDefault(s.key, s.def)
		v.BindEnv(append([]string{s.key}, s.env...)...)
	}
	return v
}

// Validate reports every configuration fault, joined.
func (c Config) Validate() error {
	var errs []error
	switch c.Model.Provider {
	case "openai":
		if c.Model.APIKey == "" {
			errs = append(errs, errors.New("missing required config: model.api_key for provider openai. "+
				"Set it via environment variable OPENAI_API_KEY or CONVQA_MODEL_API_KEY"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("model.provider must be openai or ollama, got %q", c.Model.Provider))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.Timeout <= 0 {
		errs = append(errs, errors.New("model.timeout must be positive"))
	}
	if c.Model.MaxRetries < 0 {
		errs = append(errs, errors.New("model.max_retries must not be negative"))
	}
	if c.Retrieval.Timeout <= 0 {
		errs = append(errs, errors.New("retrieval.timeout must be positive"))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, errors.New("retrieval.top_k must be at least 1"))
	}
	if c.Prompts.MaxContextTokens < 0 {
		errs = append(errs, errors.New("prompts.max_context_tokens must not be negative"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	switch c.Storage.Driver {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite, postgres or none, got %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the analysis API.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DefaultConfigFile is the config path used when none is given.
func DefaultConfigFile() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "convqa", "config.yaml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "convqa-data"
		}
	}
	return filepath.Join(dir, "convqa")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
