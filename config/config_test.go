package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, ":8648", cfg.ListenAddress)
	require.EqualValues(t, 31337, cfg.ChainID)
	require.Equal(t, 10, cfg.AuthValidDays)
	require.False(t, cfg.Auth.Enabled)
	require.EqualValues(t, 120, cfg.RateLimit.RequestsPerMinute)

	// The generated file must load cleanly on the next start.
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ChainRPCURL, reloaded.ChainRPCURL)
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ChainRPCURL = "http://127.0.0.1:8545"
ChainID = 11155111
RelayerURL = "http://127.0.0.1:8651"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8648", cfg.ListenAddress)
	require.Equal(t, filepath.Join(dir, "bloom-data"), cfg.DataDir)
	require.Equal(t, filepath.Join(cfg.DataDir, "owner.json"), cfg.KeystorePath)
	require.Equal(t, 20, cfg.RateLimit.Burst)
	require.Equal(t, "bloom-focus-chain", cfg.Auth.Issuer)
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			ChainRPCURL: "http://127.0.0.1:8545",
			ChainID:     31337,
			RelayerURL:  "http://127.0.0.1:8651",
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.ChainRPCURL = " "
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.ChainID = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.RelayerURL = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.Enabled = true
	require.Error(t, cfg.Validate(), "enabled auth needs a secret")
	cfg.Auth.HMACSecret = "secret"
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ChainID = \"thirty\""), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
