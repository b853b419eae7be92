package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadBeforeProvisionIsZeroValue(t *testing.T) {
	s := openTemp(t)
	cfg, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)
}

func TestApplyWriteBumpsCfgVersion(t *testing.T) {
	s := openTemp(t)

	cfg, err := s.ApplyWrite(map[string]interface{}{
		"wifi.ssid": "myssid",
		"wifi.pass": "mypass",
	})
	require.NoError(t, err)
	require.Equal(t, "myssid", cfg.WifiSSID)
	require.Equal(t, "mypass", cfg.WifiPass)
	require.EqualValues(t, 1, cfg.CfgVersion)

	cfg2, err := s.ApplyWrite(map[string]interface{}{
		"mqtt.host": "broker.local",
		"mqtt.port": 1883,
	})
	require.NoError(t, err)
	require.Equal(t, "broker.local", cfg2.MQTTHost)
	require.Equal(t, 1883, cfg2.MQTTPort)
	require.EqualValues(t, 2, cfg2.CfgVersion)
	// Earlier fields survive a write that doesn't mention them.
	require.Equal(t, "myssid", cfg2.WifiSSID)
}

func TestSSIDWithoutPassClearsStoredPass(t *testing.T) {
	s := openTemp(t)

	_, err := s.ApplyWrite(map[string]interface{}{
		"wifi.ssid": "net1",
		"wifi.pass": "secret",
	})
	require.NoError(t, err)

	cfg, err := s.ApplyWrite(map[string]interface{}{
		"wifi.ssid": "net2",
	})
	require.NoError(t, err)
	require.Equal(t, "net2", cfg.WifiSSID)
	require.Empty(t, cfg.WifiPass)
}

func TestApplyWritePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.ApplyWrite(map[string]interface{}{"wifi.ssid": "persisted"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	cfg, err := s2.Load()
	require.NoError(t, err)
	require.Equal(t, "persisted", cfg.WifiSSID)
	require.EqualValues(t, 1, cfg.CfgVersion)
}

func TestFieldDottedPathLookup(t *testing.T) {
	cfg := Config{WifiSSID: "net", MQTTPort: 1883, CfgVersion: 3}

	v, ok := Field(cfg, "wifi.ssid")
	require.True(t, ok)
	require.Equal(t, "net", v)

	v, ok = Field(cfg, "sys.cfg_version")
	require.True(t, ok)
	require.EqualValues(t, 3, v)

	_, ok = Field(cfg, "no.such.field")
	require.False(t, ok)
}
