package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qninhdt/scene-loom/server/internal/story"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, ProviderOpenRouter, cfg.Provider)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Models()[story.TierEconomy])
	assert.Equal(t, "gpt-4", cfg.Models()[story.TierPremium])
	assert.Equal(t, 45*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 8, cfg.HistoryLimit)
	assert.Equal(t, 3, cfg.MemoriesPerCharacter)
	assert.Equal(t, 800, cfg.GenerationMaxTokens)
	assert.Equal(t, 300, cfg.DistillMaxTokens)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEFAULT_TIER", "premium")
	t.Setenv("GENERATION_TIMEOUT", "5s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "sk-test", cfg.APIKey())
	assert.Equal(t, "premium", cfg.DefaultTier)
	assert.Equal(t, 5*time.Second, cfg.GenerationTimeout)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "PORT=9090\nHISTORY_LIMIT=4\n")
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")
	t.Setenv("HISTORY_LIMIT", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 12, cfg.HistoryLimit, "real environment wins over .env")
}

func TestTiersFile(t *testing.T) {
	path := writeFile(t, "tiers.yaml", "tiers:\n  economy: mistral-small\n  premium: claude-big\n")
	t.Setenv("TIERS_FILE", path)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "mistral-small", cfg.Models()[story.TierEconomy])
	assert.Equal(t, "claude-big", cfg.Models()[story.TierPremium])

	bad := writeFile(t, "bad.yaml", "tiers:\n  ultra: x\n")
	t.Setenv("TIERS_FILE", bad)
	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "unknown tier")
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"provider": {"LLM_PROVIDER": "llama"},
		"tier":     {"DEFAULT_TIER": "gold"},
		"tokens":   {"GENERATION_MAX_TOKENS": "0"},
		"history":  {"HISTORY_LIMIT": "-1"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}
