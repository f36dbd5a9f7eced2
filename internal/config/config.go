package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Database  DatabaseConfig  `toml:"database"`
	Memory    MemoryConfig    `toml:"memory"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
}

type DatabaseConfig struct {
	Dialect string `toml:"dialect"`
	DSN     string `toml:"dsn"`
}

type MemoryConfig struct {
	EntityID                 string  `toml:"entity_id"`
	ProcessID                string  `toml:"process_id"`
	APIKey                   string  `toml:"api_key"`
	APIBaseURL               string  `toml:"api_base_url"`
	SessionTimeoutMinutes    int     `toml:"session_timeout_minutes"`
	RecallFactsLimit         int     `toml:"recall_facts_limit"`
	RecallRelevanceThreshold float32 `toml:"recall_relevance_threshold"`
	TestMode                 bool    `toml:"test_mode"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536},
		Database:  DatabaseConfig{Dialect: "sqlite", DSN: "memori.db"},
		Memory: MemoryConfig{
			SessionTimeoutMinutes:    30,
			RecallFactsLimit:         5,
			RecallRelevanceThreshold: 0.1,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "memori.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MEMORI_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MEMORI_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("MEMORI_API_KEY"); v != "" {
		cfg.Memory.APIKey = v
	}
	if v := os.Getenv("MEMORI_API_URL_BASE"); v != "" {
		cfg.Memory.APIBaseURL = v
	}
	if v := os.Getenv("MEMORI_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MEMORI_ENTITY_ID"); v != "" {
		cfg.Memory.EntityID = v
	}
	if os.Getenv("MEMORI_OBSERVER_ENABLED") == "true" || os.Getenv("MEMORI_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = cfg.LLM.Provider
	}

	return cfg
}
