package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env[0],
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the config file at path, creating it when needed.
// An empty path means DefaultConfigFile.
func SetKey(path, key, value string) error {
	if path == "" {
		path = DefaultConfigFile()
	}
	var spec *keySpec
	for i := range specs {
		if specs[i].key == key {
			spec = &specs[i]
			break
		}
	}
	if spec == nil {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if spec.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, spec.env[0])
	}

	// The file viper carries no defaults or env bindings so only explicit
	// settings are written back.
	file := viper.New()
	file.SetConfigFile(path)
	if fileExists(path) {
		if err := file.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	file.Set(key, value)

	check := newViper()
	if err := check.MergeConfigMap(file.AllSettings()); err != nil {
		return err
	}
	var cfg Config
	if err := check.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return file.WriteConfigAs(path)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
