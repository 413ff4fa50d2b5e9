package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"harbor/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the operator-facing daemon configuration persisted as TOML.
type Config struct {
	ListenAddress        string `toml:"ListenAddress"`
	DataDir              string `toml:"DataDir"`
	Environment          string `toml:"Environment"`
	ChainID              uint64 `toml:"ChainID"`
	Asset                string `toml:"Asset"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`

	PausedModules []string `toml:"PausedModules"`

	Bridge   BridgeConfig   `toml:"Bridge"`
	LoanPool LoanPoolConfig `toml:"LoanPool"`
	Oracle   OracleConfig   `toml:"Oracle"`
	Log      LogConfig      `toml:"Log"`
}

// BridgeConfig bounds custody behaviour.
type BridgeConfig struct {
	// DepositLimit is a decimal base-unit amount; empty disables the ceiling.
	DepositLimit string `toml:"DepositLimit"`
}

// LoanPoolConfig controls flash-loan pricing.
type LoanPoolConfig struct {
	FeeBps          uint64 `toml:"FeeBps"`
	MaxDeviationBps uint64 `toml:"MaxDeviationBps"`
}

// OracleConfig controls feed freshness and smoothing.
type OracleConfig struct {
	MaxQuoteAgeSeconds uint64 `toml:"MaxQuoteAgeSeconds"`
	TwapWindowSeconds  uint64 `toml:"TwapWindowSeconds"`
	QuoteSymbol        string `toml:"QuoteSymbol"`
}

// LogConfig controls optional file logging with rotation.
type LogConfig struct {
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// Load loads the configuration from the given path, creating a default file
// (and operator keystore) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	cfg.normalise()
	return cfg, nil
}

func (c *Config) normalise() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./harbor-data"
	}
	if strings.TrimSpace(c.Asset) == "" {
		c.Asset = "HBR"
	}
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
	if c.LoanPool.FeeBps == 0 {
		c.LoanPool.FeeBps = 9
	}
	if c.LoanPool.MaxDeviationBps == 0 {
		c.LoanPool.MaxDeviationBps = 500
	}
	if c.Oracle.MaxQuoteAgeSeconds == 0 {
		c.Oracle.MaxQuoteAgeSeconds = 120
	}
	if c.Oracle.TwapWindowSeconds == 0 {
		c.Oracle.TwapWindowSeconds = 900
	}
	if strings.TrimSpace(c.Oracle.QuoteSymbol) == "" {
		c.Oracle.QuoteSymbol = "USD"
	}
}

// DepositLimitWei parses the configured ceiling. A nil result disables it.
func (c *Config) DepositLimitWei() (*big.Int, error) {
	raw := strings.TrimSpace(c.Bridge.DepositLimit)
	if raw == "" {
		return nil, nil
	}
	limit, ok := new(big.Int).SetString(raw, 10)
	if !ok || limit.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid Bridge.DepositLimit %q", raw)
	}
	return limit, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       "./harbor-data",
		Environment:   "local",
		ChainID:       1,
		Asset:         "HBR",
		PausedModules: []string{},
	}
	cfg.OperatorKeystorePath = keystorePath
	cfg.normalise()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
