package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Chat.MaxToolSteps)
	assert.Len(t, cfg.Models.Catalog, 3)

	spec, ok := cfg.ModelByID("chat-model-reasoning")
	require.True(t, ok)
	assert.True(t, spec.Reasoning)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("LOOM_TEST_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
  auth:
    secret: ${LOOM_TEST_SECRET}
chat:
  max_tool_steps: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.Auth.Secret)
	assert.Equal(t, 3, cfg.Chat.MaxToolSteps)
	// Untouched sections still get defaults.
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("LOOM_TEST_VAR", "value")
	os.Unsetenv("LOOM_TEST_UNSET")

	assert.Equal(t, "value", expandEnvVars("${LOOM_TEST_VAR}"))
	assert.Equal(t, "value", expandEnvVars("$LOOM_TEST_VAR"))
	assert.Equal(t, "fallback", expandEnvVars("${LOOM_TEST_UNSET:-fallback}"))
	assert.Equal(t, "plain", expandEnvVars("plain"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.SetDefaults()
		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Store.Driver = "oracle"
	assert.ErrorContains(t, cfg.Validate(), "unsupported store driver")

	cfg = valid()
	cfg.Models.Catalog = append(cfg.Models.Catalog, ModelSpec{ID: "chat-model-small", Tier: TierFree, Provider: "openai"})
	assert.ErrorContains(t, cfg.Validate(), "duplicate model catalog id")

	cfg = valid()
	cfg.Models.Catalog[0].Provider = "nonexistent"
	assert.ErrorContains(t, cfg.Validate(), "unknown provider")

	cfg = valid()
	cfg.Artifacts.Model = "chat-model-missing"
	assert.ErrorContains(t, cfg.Validate(), "unknown model")
}
