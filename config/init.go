package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

func readFile(cfg *Configuration, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decoding config file: %w", err)
	}
	return nil
}

// Load reads the yaml config file and applies environment overrides on top.
// The returned value is treated as immutable after startup.
func Load(path string) (*Configuration, error) {
	var cfg Configuration
	applyDefaults(&cfg)

	if path != "" {
		if err := readFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("PROPBRIDGE", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment overrides: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Configuration) {
	cfg.Server.Port = 8080
	cfg.Server.RedisHost = "127.0.0.1"
	cfg.Server.RedisPort = 6379
	cfg.Server.LogLevel = "info"

	cfg.Stacks.Confirmations = 6
	cfg.Stacks.PollSeconds = 30
	cfg.Stacks.PageSize = 50

	cfg.EVM.Confirmations = 3
	cfg.EVM.BlockBatch = 512
	cfg.EVM.SafetyWindow = 10
	cfg.EVM.PollSeconds = 10

	cfg.Relayer.MaxRetries = 5
	cfg.Relayer.RetryDelaySeconds = 15
	cfg.Relayer.BackoffMultiplier = 2.0
	cfg.Relayer.MaxDelaySeconds = 600
	cfg.Relayer.BatchSize = 64
	cfg.Relayer.RPCTimeoutSeconds = 20
	cfg.Relayer.AckTimeoutSeconds = 300
	cfg.Relayer.SweepSeconds = 60
	cfg.Relayer.ExchangeRate = "1"
}
