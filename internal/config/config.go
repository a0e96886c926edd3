// Package config loads the broker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration.
type Config struct {
	ListenAddr    string `yaml:"listenAddr"`
	TLSCertPath   string `yaml:"tlsCertPath"`
	TLSKeyPath    string `yaml:"tlsKeyPath"`
	WalletsDir    string `yaml:"walletsDir"`
	UsersFile     string `yaml:"usersFile"`
	AuditCSVPath  string `yaml:"auditCsvPath"`
	CounterPath   string `yaml:"counterPath"`
	MarketDBPath  string `yaml:"marketDbPath"`
	LogLevel      string `yaml:"logLevel"`

	PriceFeed PriceFeedConfig `yaml:"priceFeed"`
	TxQueue   TxQueueConfig   `yaml:"txQueue"`
	Bot       BotConfig       `yaml:"bot"`
}

// PriceFeedConfig configures the background price refresher.
type PriceFeedConfig struct {
	RefreshIntervalSec int     `yaml:"refreshIntervalSec"`
	RingCapacity       int     `yaml:"ringCapacity"`
	InitialPrice       float64 `yaml:"initialPrice"`
	Volatility         float64 `yaml:"volatility"`
}

// TxQueueConfig configures the transaction queue.
type TxQueueConfig struct {
	FeeRate       float64 `yaml:"feeRate"`
	QueueCapacity int     `yaml:"queueCapacity"`
}

// BotConfig configures the default bot loop cadence.
type BotConfig struct {
	IntervalSec int `yaml:"intervalSec"`
}

// RefreshInterval returns the price feed refresh cadence as a Duration.
func (c PriceFeedConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

// Interval returns the bot loop cadence as a Duration.
func (c BotConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// Default returns sane defaults for running a broker instance without a
// configuration file.
func Default() *Config {
	return &Config{
		ListenAddr:   ":8443",
		WalletsDir:   "data/wallets",
		UsersFile:    "data/users.yaml",
		AuditCSVPath: "data/audit.csv",
		CounterPath:  "data/counter.txt",
		MarketDBPath: "data/market.db",
		LogLevel:     "info",
		PriceFeed: PriceFeedConfig{
			RefreshIntervalSec: 15,
			RingCapacity:       5760,
			InitialPrice:       50000.0,
			Volatility:         0.015,
		},
		TxQueue: TxQueueConfig{
			FeeRate:       0.0001,
			QueueCapacity: 4096,
		},
		Bot: BotConfig{
			IntervalSec: 15,
		},
	}
}

// Load reads and parses a YAML configuration file, filling unset fields
// from Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}
