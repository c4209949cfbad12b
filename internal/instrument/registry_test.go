package instrument

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
instruments:
  XAUUSD:
    class: metal
    aliases: [GOLD, XAU]
    min_lot: 0.01
    lot_step: 0.01
    tick_size: 0.01
  EURUSD:
    class: forex
    min_lot: 0.01
    lot_step: 0.01
    tick_size: 0.00001
  BTCUSD:
    class: crypto
    min_lot: 0.001
    lot_step: 0.001
    tick_size: 0.1
    enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistry_Load(t *testing.T) {
	reg, err := NewRegistry(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	snap := reg.Snapshot()

	t.Run("canonical lookup", func(t *testing.T) {
		def, ok := snap.Lookup("XAUUSD")
		require.True(t, ok)
		assert.Equal(t, "metal", def.Class)
		assert.InDelta(t, 0.01, def.MinLot, 1e-9)
	})

	t.Run("alias lookup", func(t *testing.T) {
		def, ok := snap.Lookup("gold")
		require.True(t, ok)
		assert.Equal(t, "XAUUSD", def.Symbol)
	})

	t.Run("disabled instrument is not allowed", func(t *testing.T) {
		assert.False(t, snap.Allowed("BTCUSD"))
		assert.True(t, snap.Allowed("EURUSD"))
	})

	t.Run("symbols excludes disabled", func(t *testing.T) {
		assert.Equal(t, []string{"EURUSD", "XAUUSD"}, snap.Symbols())
	})
}

func TestRegistry_RejectsBadConfig(t *testing.T) {
	_, err := NewRegistry(writeConfig(t, "instruments: {}\n"))
	assert.Error(t, err)

	_, err = NewRegistry(writeConfig(t, "instruments:\n  EURUSD:\n    min_lot: -1\n"))
	assert.Error(t, err)

	// 拼错的字段名应该报错而不是被静默忽略
	_, err = NewRegistry(writeConfig(t, "instruments:\n  EURUSD:\n    min_lots: 0.01\n"))
	assert.Error(t, err)
}
