package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// AuthConfig controls bearer authentication on the gateway.
type AuthConfig struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// RateLimitConfig throttles gateway mutation endpoints per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	ChainRPCURL   string `toml:"ChainRPCURL"`
	ChainID       uint64 `toml:"ChainID"`
	LedgerAddress string `toml:"LedgerAddress"`
	RelayerURL    string `toml:"RelayerURL"`
	DataDir       string `toml:"DataDir"`
	KeystorePath  string `toml:"KeystorePath"`
	LogFile       string `toml:"LogFile"`
	AuthValidDays int    `toml:"AuthValidDays"`

	Auth      AuthConfig      `toml:"Auth"`
	RateLimit RateLimitConfig `toml:"RateLimit"`
}

// Load reads the configuration at path, creating a commented default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8648"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(filepath.Dir(path), "bloom-data")
	}
	if strings.TrimSpace(c.KeystorePath) == "" {
		c.KeystorePath = filepath.Join(c.DataDir, "owner.json")
	}
	if c.AuthValidDays <= 0 {
		c.AuthValidDays = 10
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = "bloom-focus-chain"
	}
	if strings.TrimSpace(c.Auth.Audience) == "" {
		c.Auth.Audience = "bloom-gateway"
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ChainRPCURL) == "" {
		return fmt.Errorf("config: ChainRPCURL is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID is required")
	}
	if strings.TrimSpace(c.RelayerURL) == "" {
		return fmt.Errorf("config: RelayerURL is required")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("config: Auth.HMACSecret is required when Auth.Enabled")
	}
	return nil
}

const defaultConfig = `# bloom-focus-chain daemon configuration.

ListenAddress = ":8648"

# JSON-RPC endpoint of the chain hosting the FocusLedger contract.
ChainRPCURL = "http://127.0.0.1:8545"
ChainID = 31337

# Leave empty to use the built-in deployment registry for ChainID.
LedgerAddress = ""

# Coprocessor relayer handling input proofs and user decryption.
RelayerURL = "http://127.0.0.1:8651"

DataDir = "./bloom-data"

# Ethereum v3 keystore holding the owner key. Created on first run when
# missing. Passphrase comes from BLOOM_KEYSTORE_PASS or an interactive
# prompt.
KeystorePath = ""

# Mirror logs into a size-rotated file. Empty means stdout only.
LogFile = ""

# Validity window granted to decryption authorization artifacts.
AuthValidDays = 10

[Auth]
Enabled = false
HMACSecret = ""
Issuer = "bloom-focus-chain"
Audience = "bloom-gateway"

[RateLimit]
RequestsPerMinute = 120.0
Burst = 20
`

func createDefault(path string) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o600); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if _, err := toml.Decode(defaultConfig, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	return cfg, nil
}
