package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/qninhdt/scene-loom/server/internal/story"
)

// Provider names accepted in LLM_PROVIDER
const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// Config is the server configuration, read from the environment
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	DBPath   string `env:"DB_PATH" envDefault:"scene-loom.db"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Provider         string `env:"LLM_PROVIDER" envDefault:"openrouter"`
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	BaseURL          string `env:"LLM_BASE_URL"`

	EconomyModel string `env:"MODEL_ECONOMY" envDefault:"gpt-3.5-turbo"`
	PremiumModel string `env:"MODEL_PREMIUM" envDefault:"gpt-4"`
	DefaultTier  string `env:"DEFAULT_TIER" envDefault:"economy"`
	TiersFile    string `env:"TIERS_FILE"`

	GenerationMaxTokens int           `env:"GENERATION_MAX_TOKENS" envDefault:"800"`
	DistillMaxTokens    int           `env:"DISTILL_MAX_TOKENS" envDefault:"300"`
	GenerationTimeout   time.Duration `env:"GENERATION_TIMEOUT" envDefault:"45s"`
	ProviderRPS         float64       `env:"PROVIDER_RPS" envDefault:"2"`
	RequestRPS          float64       `env:"REQUEST_RPS" envDefault:"100"`

	HistoryLimit         int    `env:"HISTORY_LIMIT" envDefault:"8"`
	MemoriesPerCharacter int    `env:"MEMORIES_PER_CHARACTER" envDefault:"3"`
	DistillCondition     string `env:"DISTILL_CONDITION"`
	PromptsDir           string `env:"PROMPTS_DIR"`

	AdminSecret string `env:"ADMIN_JWT_SECRET"`
}

// tiersFile is the optional YAML override for tier models
type tiersFile struct {
	Tiers map[string]string `yaml:"tiers"`
}

// Load reads an optional .env file, then the environment
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Missing files are fine; real environment variables win.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.TiersFile != "" {
		if err := cfg.applyTiersFile(cfg.TiersFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyTiersFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tiers file: %w", err)
	}
	var tf tiersFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return fmt.Errorf("parse tiers file %s: %w", path, err)
	}
	for name, model := range tf.Tiers {
		switch story.Tier(name) {
		case story.TierEconomy:
			c.EconomyModel = model
		case story.TierPremium:
			c.PremiumModel = model
		default:
			return fmt.Errorf("tiers file %s: unknown tier %q", path, name)
		}
	}
	return nil
}

// Validate checks values the environment parser cannot
func (c *Config) Validate() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	switch c.Provider {
	case ProviderOpenRouter, ProviderOpenAI:
	default:
		return fmt.Errorf("LLM_PROVIDER must be openrouter or openai, got %q", c.Provider)
	}
	if !story.Tier(c.DefaultTier).Valid() {
		return fmt.Errorf("DEFAULT_TIER must be economy or premium, got %q", c.DefaultTier)
	}
	if c.EconomyModel == "" || c.PremiumModel == "" {
		return errors.New("both tier models must be set")
	}
	if c.GenerationMaxTokens <= 0 || c.DistillMaxTokens <= 0 {
		return errors.New("token limits must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return errors.New("GENERATION_TIMEOUT must be positive")
	}
	if c.HistoryLimit < 0 || c.MemoriesPerCharacter < 0 {
		return errors.New("HISTORY_LIMIT and MEMORIES_PER_CHARACTER cannot be negative")
	}
	return nil
}

// Models maps each tier to its configured model
func (c *Config) Models() map[story.Tier]string {
	return map[story.Tier]string{
		story.TierEconomy: c.EconomyModel,
		story.TierPremium: c.PremiumModel,
	}
}

// APIKey returns the key for the selected provider
func (c *Config) APIKey() string {
	if c.Provider == ProviderOpenAI {
		return c.OpenAIAPIKey
	}
	return c.OpenRouterAPIKey
}

// Addr is the listen address
func (c *Config) Addr() string {
	return ":" + c.Port
}
