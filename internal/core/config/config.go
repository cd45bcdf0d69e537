package config

import (
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
	redisclient "github.com/vietddude/reclaimer/internal/infra/redis"
	"github.com/vietddude/reclaimer/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Signer     SignerConfig       `yaml:"signer"`
	Dispatcher DispatcherConfig   `yaml:"dispatcher"`
	Reconcile  ReconcileConfig    `yaml:"reconcile"`
	Chains     []ChainConfig      `yaml:"chains"`
	Redis      redisclient.Config `yaml:"redis"`
	Database   postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SignerConfig holds the reclaimer account. Empty key = read-only mode.
type SignerConfig struct {
	PrivateKey string `yaml:"private_key"`
}

// DispatcherConfig tunes reclaim submission.
type DispatcherConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	ReceiptTimeoutBlocks int           `yaml:"receipt_timeout_blocks"`
	ReceiptPollInterval  time.Duration `yaml:"receipt_poll_interval"`
	MaxReceiptPolls      int           `yaml:"max_receipt_polls"`
	MaxTotalFailures     int           `yaml:"max_total_failures"`
	Workers              int           `yaml:"workers"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
	// LockRefresh is the heartbeat that extends a held lock; 0 means a third of LockTTL.
	LockRefresh time.Duration `yaml:"lock_refresh"`
	// FailureRetention is how long closed failure records are kept.
	FailureRetention time.Duration `yaml:"failure_retention"`
}

// ReconcileConfig controls the periodic on-chain resync.
type ReconcileConfig struct {
	Schedule string `yaml:"schedule"` // cron spec, "off" disables
}

// ChainMode selects how new blocks are noticed.
type ChainMode string

const (
	ModePoll      ChainMode = "poll"
	ModeSubscribe ChainMode = "subscribe"
)

// ChainConfig holds settings for one origin chain.
type ChainConfig struct {
	ChainID            domain.ChainID   `yaml:"id"`
	Name               string           `yaml:"name"`
	ContractAddress    string           `yaml:"contract_address"`
	StartBlock         uint64           `yaml:"start_block"`
	BlockConfirmations uint64           `yaml:"block_confirmations"`
	Mode               ChainMode        `yaml:"mode"`
	PollInterval       time.Duration    `yaml:"poll_interval"`
	BlockTime          time.Duration    `yaml:"block_time"`
	MaxBlockRange      uint64           `yaml:"max_block_range"`
	DedupWindowBlocks  uint64           `yaml:"dedup_window_blocks"`
	ReclaimMethod      string           `yaml:"reclaim_method"` // contract method taking (uint256 rentalId)
	Providers          []ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Label returns the configured name, falling back to the well-known one.
func (c ChainConfig) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ChainID.Label()
}
