package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "gpt-4o", cfg.LLMModel)
	assert.InDelta(t, 0.2, cfg.LLMTemperature, 1e-9)
	assert.Equal(t, 0.25, cfg.MaxPositionSize)
	assert.Equal(t, 30, cfg.PolicyWatchInterval)
	assert.True(t, cfg.AlpacaPaper)
	assert.True(t, cfg.BrokerMockMode(), "no broker credentials means mock mode")
}

func TestLoadMissingLLMKeyFails(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("DATA_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_API_KEY")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9001")
	t.Setenv("MAX_POSITION_SIZE", "0.5")
	t.Setenv("ALPACA_API_KEY", "ak")
	t.Setenv("ALPACA_API_SECRET", "as")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 0.5, cfg.MaxPositionSize)
	assert.False(t, cfg.BrokerMockMode())
}

func TestValidateBounds(t *testing.T) {
	base := Config{LLMAPIKey: "k", Port: 8080, MaxPositionSize: 0.25}
	assert.NoError(t, base.Validate())

	bad := base
	bad.Port = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.MaxPositionSize = 1.5
	assert.Error(t, bad.Validate())
}

type stubSettings struct {
	values map[string]string
}

func (s *stubSettings) Get(key string) (*string, error) {
	if v, ok := s.values[key]; ok {
		return &v, nil
	}
	return nil, nil
}

func TestUpdateFromSettings(t *testing.T) {
	cfg := Config{AlpacaAPIKey: "env-key", LLMModel: "gpt-4o"}

	repo := &stubSettings{values: map[string]string{
		"alpaca_api_key": "db-key",
		"llm_model":      "", // empty values never override
	}}
	require.NoError(t, cfg.UpdateFromSettings(repo))

	assert.Equal(t, "db-key", cfg.AlpacaAPIKey)
	assert.Equal(t, "gpt-4o", cfg.LLMModel)
}
