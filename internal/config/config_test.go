package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
telegram:
  bot_token: "tok-abc"
ai:
  api_key: "sk-test"
broker:
  name: ctrader
  ctrader:
    access_token: "ct-tok"
    account_id: "12345"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":9985", cfg.App.HTTPAddr)
	assert.Equal(t, 30, cfg.Telegram.PollTimeoutSeconds)
	assert.Equal(t, "gpt-4o-mini", cfg.AI.Model)
	assert.Equal(t, "https://openapi.ctrader.com", cfg.Broker.CTrader.APIURL)
	assert.Equal(t, 5, cfg.Execution.RetryMaxAttempts)
	assert.Equal(t, 1000, cfg.Execution.RetryBaseMS)
	assert.InDelta(t, 0.01, cfg.Risk.MaxRiskPerTradePct, 1e-9)
	assert.InDelta(t, 0.5, cfg.Risk.MinConfidence, 1e-9)
}

func TestLoadExplicitValuesWin(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
risk:
  max_risk_per_trade_pct: 0.02
  min_confidence: 0.7
  allowed_instruments: [XAUUSD, EURUSD]
execution:
  retry_max_attempts: 3
`))
	require.NoError(t, err)
	assert.InDelta(t, 0.02, cfg.Risk.MaxRiskPerTradePct, 1e-9)
	assert.InDelta(t, 0.7, cfg.Risk.MinConfidence, 1e-9)
	assert.Equal(t, []string{"XAUUSD", "EURUSD"}, cfg.Risk.AllowedInstruments)
	assert.Equal(t, 3, cfg.Execution.RetryMaxAttempts)
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "secrets.yaml")
	require.NoError(t, os.WriteFile(secret, []byte("ai:\n  api_key: sk-from-include\n"), 0o644))
	main := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(main, []byte(`
include: [secrets.yaml]
telegram:
  bot_token: "tok"
broker:
  name: binance
  binance:
    api_key: bk
    secret_key: bs
`), 0o644))

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-include", cfg.AI.APIKey)
	assert.Equal(t, "binance", cfg.Broker.Name)
}

func TestLoadValidation(t *testing.T) {
	t.Run("missing bot token", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
ai:
  api_key: sk
broker:
  name: ctrader
  ctrader: {access_token: a, account_id: b}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "telegram.bot_token")
	})

	t.Run("unknown broker", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
telegram: {bot_token: t}
ai: {api_key: sk}
broker: {name: etrade}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker.name")
	})

	t.Run("risk pct out of range", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalYAML+`
risk:
  max_risk_per_trade_pct: 5
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_risk_per_trade_pct")
	})
}
