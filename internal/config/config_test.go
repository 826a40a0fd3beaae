package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithEnvKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gm-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gm-key", cfg.LLM.APIKey)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta", cfg.LLM.BaseURL)
	assert.Equal(t, "judge", cfg.Ensemble.Mode)
	assert.Equal(t, 2, cfg.Ensemble.Solvers)
	assert.True(t, cfg.Ensemble.JudgeFallback)
	assert.Equal(t, DefaultJudgeTemplate, cfg.Ensemble.Prompt.JudgeTemplate)
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.NotEmpty(t, cfg.JWT.Secret)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: "9090"
llm:
  provider: openai
  api_key: file-key
  base_url: http://localhost:1234/v1/
  fallback_models: [gpt-a, gpt-b]
ensemble:
  mode: consensus
  solvers: 3
`
	require.NoError(t, os.WriteFile(p, []byte(yaml), 0o644))
	t.Setenv("SCI_CORE_SERVER_PORT", "7070")

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "file-key", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:1234/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, []string{"gpt-a", "gpt-b"}, cfg.LLM.FallbackModels)
	assert.Equal(t, "consensus", cfg.Ensemble.Mode)
	assert.Equal(t, 3, cfg.Ensemble.Solvers)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("SCI_CORE_LLM_API_KEY", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			LLM:      LLMConfig{Provider: "gemini", APIKey: "k"},
			Ensemble: EnsembleConfig{Mode: "judge", Solvers: 2},
			Session:  SessionConfig{Store: "memory"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.LLM.Provider = "bard" }, wantErr: true},
		{name: "too many solvers", mutate: func(c *Config) { c.Ensemble.Solvers = 4 }, wantErr: true},
		{name: "zero solvers", mutate: func(c *Config) { c.Ensemble.Solvers = 0 }, wantErr: true},
		{name: "unknown mode", mutate: func(c *Config) { c.Ensemble.Mode = "vote" }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.Session.Store = "mysql" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, 1, c.LLM.Retry.Attempts)
			}
		})
	}
}
