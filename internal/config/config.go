// Package config loads pipeline configuration from a YAML file with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bottlenote/magpress/workflow"
)

// RetryOverride replaces the default retry policy for one stage.
type RetryOverride struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialDelayMS    int     `yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// PipelineConfig controls the stage machine shape.
type PipelineConfig struct {
	// WithImages inserts the image generation stage between content
	// writing and figma layout.
	WithImages bool `yaml:"with_images"`
}

// Config is the full pipeline configuration.
type Config struct {
	// AIProvider selects the model backend: gemini, claude, or openai.
	AIProvider string `yaml:"ai_provider"`
	AIAPIKey   string `yaml:"ai_api_key"`

	// APIPort is the layout bridge listen port.
	APIPort int `yaml:"api_port"`

	// ChannelID is the default channel new issues are announced in.
	ChannelID string `yaml:"channel_id"`

	DBPath string `yaml:"db_path"`

	Pipeline PipelineConfig `yaml:"pipeline"`

	// Retry maps a stage name to its override policy.
	Retry map[string]RetryOverride `yaml:"retry"`

	BraveSearchAPIKey string `yaml:"brave_search_api_key"`
	NaverClientID     string `yaml:"naver_client_id"`
	NaverClientSecret string `yaml:"naver_client_secret"`

	NotifyWebhookURL string `yaml:"notify_webhook_url"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		AIProvider: "gemini",
		APIPort:    3456,
		DBPath:     "data/magpress.db",
	}
}

// Load reads the configuration file at path, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if cfg.APIPort <= 0 {
		return Config{}, fmt.Errorf("api_port must be positive, got %d", cfg.APIPort)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setFromEnv(&cfg.AIProvider, "AI_PROVIDER")
	setFromEnv(&cfg.AIAPIKey, "AI_API_KEY")
	setFromEnv(&cfg.DBPath, "MAGPRESS_DB_PATH")
	setFromEnv(&cfg.ChannelID, "MAGPRESS_CHANNEL_ID")
	setFromEnv(&cfg.BraveSearchAPIKey, "BRAVE_SEARCH_API_KEY")
	setFromEnv(&cfg.NaverClientID, "NAVER_CLIENT_ID")
	setFromEnv(&cfg.NaverClientSecret, "NAVER_CLIENT_SECRET")
	setFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
}

func setFromEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// RetryOverrides converts the configured overrides into the recovery
// layer's per-stage policy map. Unknown stage names are rejected.
func (c Config) RetryOverrides() (map[workflow.Stage]workflow.RetryConfig, error) {
	if len(c.Retry) == 0 {
		return nil, nil
	}
	overrides := make(map[workflow.Stage]workflow.RetryConfig, len(c.Retry))
	for name, o := range c.Retry {
		stage, err := workflow.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("retry config: %w", err)
		}
		overrides[stage] = workflow.RetryConfig{
			MaxRetries:        o.MaxRetries,
			InitialDelay:      time.Duration(o.InitialDelayMS) * time.Millisecond,
			BackoffMultiplier: o.BackoffMultiplier,
		}
	}
	return overrides, nil
}
