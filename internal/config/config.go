// Package config loads bridge configuration from TOML with environment
// variable overrides.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	RPM     int    `toml:"rpm"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type EngineConfig struct {
	BufferCapBytes             int `toml:"buffer_cap_bytes"`
	SweepIntervalSecs          int `toml:"sweep_interval_secs"`
	AnalyzeTimeoutSecs         int `toml:"analyze_timeout_secs"`
	ChatTimeoutSecs            int `toml:"chat_timeout_secs"`
	MaxToolIterations          int `toml:"max_tool_iterations"`
	MaxMessagesPerConversation int `toml:"max_messages_per_conversation"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: "127.0.0.1:8971"},
		LLM:      LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Database: DatabaseConfig{Path: "panelmux.db"},
		Engine: EngineConfig{
			BufferCapBytes:             512 * 1024,
			SweepIntervalSecs:          30,
			AnalyzeTimeoutSecs:         90,
			ChatTimeoutSecs:            900,
			MaxToolIterations:          5,
			MaxMessagesPerConversation: 200,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "panelmux.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PANELMUX_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("PANELMUX_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PANELMUX_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PANELMUX_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	return cfg
}
