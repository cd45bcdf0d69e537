package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
)

const defaultReclaimMethod = "manualReclaim"

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expands ${ENV} references and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	d := &cfg.Dispatcher
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 5
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = 2 * time.Second
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = 60 * time.Second
	}
	if d.ReceiptTimeoutBlocks == 0 {
		d.ReceiptTimeoutBlocks = 3
	}
	if d.ReceiptPollInterval == 0 {
		d.ReceiptPollInterval = time.Second
	}
	if d.MaxReceiptPolls == 0 {
		d.MaxReceiptPolls = 3
	}
	if d.MaxTotalFailures == 0 {
		d.MaxTotalFailures = 10
	}
	if d.Workers == 0 {
		d.Workers = 4
	}
	if d.LockTTL == 0 {
		d.LockTTL = 5 * time.Minute
	}
	if d.FailureRetention == 0 {
		d.FailureRetention = 7 * 24 * time.Hour
	}
	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 5m"
	}

	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.Mode == "" {
			c.Mode = ModePoll
		}
		if c.PollInterval == 0 {
			c.PollInterval = 10 * time.Second
		}
		if c.BlockTime == 0 {
			c.BlockTime = 2 * time.Second
		}
		if c.BlockConfirmations == 0 {
			c.BlockConfirmations = 1
		}
		if c.MaxBlockRange == 0 {
			c.MaxBlockRange = 2000
		}
		if c.DedupWindowBlocks == 0 {
			c.DedupWindowBlocks = 256
		}
		if c.ReclaimMethod == "" {
			c.ReclaimMethod = defaultReclaimMethod
		}
	}
}

// Validate rejects configurations the coordinator cannot run.
func (cfg *AppConfig) Validate() error {
	var errs []error
	seen := make(map[uint64]bool)

	for i, c := range cfg.Chains {
		prefix := fmt.Sprintf("chains[%d]", i)
		if c.ChainID == 0 {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		}
		if seen[uint64(c.ChainID)] {
			errs = append(errs, fmt.Errorf("%s: duplicate chain id %d", prefix, c.ChainID))
		}
		seen[uint64(c.ChainID)] = true

		if !common.IsHexAddress(c.ContractAddress) {
			errs = append(errs, fmt.Errorf("%s: invalid contract_address %q", prefix, c.ContractAddress))
		}
		if c.Mode != ModePoll && c.Mode != ModeSubscribe {
			errs = append(errs, fmt.Errorf("%s: unknown mode %q", prefix, c.Mode))
		}
		if len(c.Providers) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one provider is required", prefix))
		}
		for j, p := range c.Providers {
			if strings.TrimSpace(p.URL) == "" {
				errs = append(errs, fmt.Errorf("%s.providers[%d]: url is required", prefix, j))
			}
		}
	}

	return errors.Join(errs...)
}
