package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
exchange:
  wsUrl: wss://example.test/ws/
  token: abc
scalp:
  symbols: [btcidr, ethidr]
  takeProfitPercent: 0.4
  cooldown: 30s
  wallExit:
    enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "wss://example.test/ws/", cfg.Exchange.WSURL)
	assert.Equal(t, "abc", cfg.Exchange.Token)
	assert.Equal(t, []string{"btcidr", "ethidr"}, cfg.Scalp.Symbols)
	assert.Equal(t, 0.4, cfg.Scalp.TakeProfitPercent)
	assert.Equal(t, 30*time.Second, cfg.Scalp.Cooldown)
	assert.False(t, cfg.Scalp.WallExit.Enabled)

	// 默认值
	assert.Equal(t, 0.15, cfg.Scalp.StopLossPercent)
	assert.Equal(t, 10*time.Second, cfg.Stream.AuthTimeout)
	assert.Equal(t, 5*time.Second, cfg.Stream.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.Analyzer.CacheMaxAge)
	assert.Equal(t, 5*time.Second, cfg.Monitor.SweepInterval)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SNIPER_EXCHANGE_TOKEN", "from-env")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Exchange.Token)
	assert.Equal(t, "idr", cfg.Exchange.QuoteCurrency)
}

func TestToFloat(t *testing.T) {
	v, err := ToFloat("637300000")
	require.NoError(t, err)
	assert.Equal(t, 637300000.0, v)

	v, err = ToFloat(12.5)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	_, err = ToFloat([]int{1})
	assert.Error(t, err)

	i, err := ToInt64(1632717721.0)
	require.NoError(t, err)
	assert.Equal(t, int64(1632717721), i)
}
