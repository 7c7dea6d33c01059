package config

import "time"

type keySpec struct {
	key     string
	env     []string
	def     any
	secret  bool
	extract func(cfg Config) any
}

var specs = []keySpec{
	{key: "server.host", env: env("SERVER_HOST"), def: "127.0.0.1",
		extract: func(c Config) any { return c.Server.Host }},
	{key: "server.port", env: env("SERVER_PORT"), def: 4100,
		extract: func(c Config) any { return c.Server.Port }},
	{key: "server.api_token", env: env("SERVER_API_TOKEN"), def: "", secret: true,
		extract: func(c Config) any { return c.Server.APIToken }},

	{key: "model.provider", env: env("MODEL_PROVIDER"), def: "openai",
		extract: func(c Config) any { return c.Model.Provider }},
	{key: "model.name", env: env("MODEL_NAME"), def: "gpt-4o",
		extract: func(c Config) any { return c.Model.Name }},
	{key: "model.base_url", env: env("MODEL_BASE_URL"), def: "",
		extract: func(c Config) any { return c.Model.BaseURL }},
	{key: "model.api_key", env: append(env("MODEL_API_KEY"), "OPENAI_API_KEY"), def: "", secret: true,
		extract: func(c Config) any { return c.Model.APIKey }},
	{key: "model.temperature", env: env("MODEL_TEMPERATURE"), def: 0.0,
		extract: func(c Config) any { return c.Model.Temperature }},
	{key: "model.timeout", env: env("MODEL_TIMEOUT"), def: 60 * time.Second,
		extract: func(c Config) any { return c.Model.Timeout }},
	{key: "model.max_retries", env: env("MODEL_MAX_RETRIES"), def: 3,
		extract: func(c Config) any { return c.Model.MaxRetries }},
	{key: "model.retry_base", env: env("MODEL_RETRY_BASE"), def: time.Second,
		extract: func(c Config) any { return c.Model.RetryBase }},
	{key: "model.retry_max", env: env("MODEL_RETRY_MAX"), def: 30 * time.Second,
		extract: func(c Config) any { return c.Model.RetryMax }},

	{key: "retrieval.base_url", env: env("RETRIEVAL_BASE_URL"), def: "http://127.0.0.1:4200",
		extract: func(c Config) any { return c.Retrieval.BaseURL }},
	{key: "retrieval.timeout", env: env("RETRIEVAL_TIMEOUT"), def: 10 * time.Second,
		extract: func(c Config) any { return c.Retrieval.Timeout }},
	{key: "retrieval.top_k", env: env("RETRIEVAL_TOP_K"), def: 6,
		extract: func(c Config) any { return c.Retrieval.TopK }},

	{key: "pipeline.workers", env: env("PIPELINE_WORKERS"), def: 4,
		extract: func(c Config) any { return c.Pipeline.Workers }},
	{key: "prompts.version", env: env("PROMPTS_VERSION"), def: "v1",
		extract: func(c Config) any { return c.Prompts.Version }},
	{key: "prompts.max_context_tokens", env: env("PROMPTS_MAX_CONTEXT_TOKENS"), def: 4000,
		extract: func(c Config) any { return c.Prompts.MaxContextTokens }},

	{key: "storage.driver", env: env("STORAGE_DRIVER"), def: "sqlite",
		extract: func(c Config) any { return c.Storage.Driver }},
	{key: "storage.data_dir", env: env("STORAGE_DATA_DIR"), def: defaultDataDir(),
		extract: func(c Config) any { return c.Storage.DataDir }},
	{key: "storage.dsn", env: env("STORAGE_DSN"), def: "", secret: true,
		extract: func(c Config) any { return c.Storage.DSN }},

	{key: "kb.dir", env: env("KB_DIR"), def: "./knowledge",
		extract: func(c Config) any { return c.KB.Dir }},
	{key: "kb.port", env: env("KB_PORT"), def: 4200,
		extract: func(c Config) any { return c.KB.Port }},

	{key: "log.level", env: env("LOG_LEVEL"), def: "info",
		extract: func(c Config) any { return c.Log.Level }},
	{key: "log.format", env: env("LOG_FORMAT"), def: "console",
		extract: func(c Config) any { return c.Log.Format }},
}

func env(suffix string) []string {
	return []string{"CONVQA_" + suffix}
}
