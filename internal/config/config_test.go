package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv unsets every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		for _, e := range s.env {
			t.Setenv(e, "")
			os.Unsetenv(e)
		}
	}
}

// TestDefaults verifies all default values are applied when loading a minimal config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.yaml", "model:\n  api_key: test-key\n")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Model.Provider != "openai" || cfg.Model.Name != "gpt-4o" {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if cfg.Model.Timeout != 60*time.Second {
		t.Errorf("Model.Timeout = %v, want 60s", cfg.Model.Timeout)
	}
	if cfg.Model.MaxRetries != 3 || cfg.Model.RetryBase != time.Second {
		t.Errorf("retry settings = %d/%v", cfg.Model.MaxRetries, cfg.Model.RetryBase)
	}
	if cfg.Retrieval.TopK != 6 || cfg.Retrieval.Timeout != 10*time.Second {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Prompts.MaxContextTokens != 4000 {
		t.Errorf("Prompts.MaxContextTokens = %d, want 4000", cfg.Prompts.MaxContextTokens)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Pipeline.Workers = %d, want 4", cfg.Pipeline.Workers)
	}
	if cfg.Prompts.Version != "v1" {
		t.Errorf("Prompts.Version = %q", cfg.Prompts.Version)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DataDir == "" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.yaml", "model:\n  api_key: file-key\n  name: file-model\n")

	t.Setenv("CONVQA_MODEL_NAME", "env-model")
	t.Setenv("CONVQA_MODEL_TIMEOUT", "15s")
	t.Setenv("CONVQA_PIPELINE_WORKERS", "8")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Name != "env-model" {
		t.Errorf("Model.Name = %q, want env-model", cfg.Model.Name)
	}
	if cfg.Model.Timeout != 15*time.Second {
		t.Errorf("Model.Timeout = %v, want 15s", cfg.Model.Timeout)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Pipeline.Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Model.APIKey != "file-key" {
		t.Errorf("Model.APIKey = %q, want file-key", cfg.Model.APIKey)
	}
}

func TestOpenAIKeyFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := loadFromPath("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.APIKey != "sk-env" {
		t.Errorf("Model.APIKey = %q, want sk-env", cfg.Model.APIKey)
	}
}

// TestMissingRequiredField verifies a clear error when the API key is missing everywhere.
func TestMissingRequiredField(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.yaml", "# empty config\n")

	_, err := loadFromPath(path)
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention the missing key", err)
	}
}

func TestOllamaNeedsNoKey(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.yaml", "model:\n  provider: ollama\n  name: llama3.1\n")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Provider != "ollama" {
		t.Errorf("Provider = %q", cfg.Model.Provider)
	}
}

// TestTOMLParsing verifies that fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
[server]
port = 5000
api_token = "secret"

[model]
provider = "openai"
name = "gpt-4o-mini"
api_key = "toml-key-123"
timeout = "45s"

[retrieval]
base_url = "http://kb:9000"
top_k = 3

[storage]
driver = "postgres"
dsn = "postgres://u:p@db/convqa?sslmode=disable"
`
	path := writeTempConfig(t, "config.toml", content)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 || cfg.Server.APIToken != "secret" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Model.Name != "gpt-4o-mini" || cfg.Model.Timeout != 45*time.Second {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if cfg.Retrieval.BaseURL != "http://kb:9000" || cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := loadFromPath(writeTempConfig(t, "config.yaml", "model:\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("loading base config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown provider", func(c *Config) { c.Model.Provider = "azure" }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"negative context budget", func(c *Config) { c.Prompts.MaxContextTokens = -1 }},
		{"negative retries", func(c *Config) { c.Model.MaxRetries = -1 }},
		{"zero timeout", func(c *Config) { c.Model.Timeout = 0 }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Errorf("base config invalid: %v", err)
	}
}

func TestBadDurationRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("CONVQA_MODEL_TIMEOUT", "soon")

	if _, err := loadFromPath(""); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := Config{Model: ModelConfig{APIKey: "sk-hidden"}, Server: ServerConfig{APIToken: "tok"}}
	for _, k := range ShowAll(cfg) {
		if k.Key == "model.api_key" || k.Key == "server.api_token" || k.Value == "sk-hidden" {
			t.Errorf("secret exposed: %+v", k)
		}
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := filepath.Join(t.TempDir(), "convqa", "config.yaml")

	if err := SetKey(path, "model.name", "gpt-4.1"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey(path, "pipeline.workers", "6"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("loading written config: %v", err)
	}
	if cfg.Model.Name != "gpt-4.1" || cfg.Pipeline.Workers != 6 {
		t.Errorf("written config = %+v / %+v", cfg.Model, cfg.Pipeline)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "sk-env") {
		t.Error("secret from environment written to config file")
	}
}

func TestSetKey_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SetKey(path, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetKey(path, "model.api_key", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := SetKey(path, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer port")
	}
}

func TestReadSkipsValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Read("")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.KB.Port != 4200 {
		t.Errorf("kb.port = %d, want 4200", cfg.KB.Port)
	}
	if _, err := Load(""); err == nil {
		t.Error("Load should fail without an API key")
	}
}
