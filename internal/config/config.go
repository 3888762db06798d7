package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Runner   RunnerConfig   `toml:"runner"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StoreConfig struct {
	Backend string `toml:"backend"` // file, sqlite, or postgres
	Dir     string `toml:"dir"`     // file backend root
	Path    string `toml:"path"`    // sqlite database file
	DSN     string `toml:"dsn"`     // postgres connection string
}

type RunnerConfig struct {
	Kind         string  `toml:"kind"` // echo or openai
	APIKey       string  `toml:"api_key"`
	Model        string  `toml:"model"`
	BaseURL      string  `toml:"base_url"`
	SystemPrompt string  `toml:"system_prompt"`
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int     `toml:"max_tokens"`
}

type SweeperConfig struct {
	Enabled      bool `toml:"enabled"`
	IntervalSecs int  `toml:"interval_secs"`
	TTLSecs      int  `toml:"ttl_secs"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		Store:   StoreConfig{Backend: "file"},
		Runner:  RunnerConfig{Kind: "echo", Model: "gpt-4o-mini"},
		Sweeper: SweeperConfig{Enabled: true, IntervalSecs: 60, TTLSecs: 600},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "weft.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("WEFT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WEFT_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("WEFT_RUNNER_API_KEY"); v != "" {
		cfg.Runner.APIKey = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if os.Getenv("WEFT_OBSERVER_ENABLED") == "true" || os.Getenv("WEFT_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Store.Backend == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "weft.db"
	}
	if cfg.Runner.Kind == "openai" && cfg.Runner.BaseURL == "" {
		cfg.Runner.BaseURL = "https://api.openai.com/v1"
	}

	return cfg
}
