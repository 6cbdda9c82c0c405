package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
)

// Config holds settlement node configuration.
type Config struct {
	NodeID            string        `mapstructure:"P2P_NODE_ID"`
	RaftAddr          string        `mapstructure:"P2P_RAFT_ADDR"`
	HTTPAddr          string        `mapstructure:"P2P_HTTP_ADDR"`
	DataDir           string        `mapstructure:"P2P_DATA_DIR"`
	Bootstrap         bool          `mapstructure:"P2P_BOOTSTRAP"`
	ApplyTimeout      time.Duration `mapstructure:"P2P_APPLY_TIMEOUT"`
	JoinEndpoint      string        `mapstructure:"P2P_JOIN_ENDPOINT"`
	JoinRetries       int           `mapstructure:"P2P_JOIN_RETRIES"`
	JoinRetryDelay    time.Duration `mapstructure:"P2P_JOIN_RETRY_DELAY"`
	StartupWaitLeader time.Duration `mapstructure:"P2P_STARTUP_WAIT_LEADER"`
	ClusterToken      string        `mapstructure:"P2P_CLUSTER_TOKEN"`
	CommitBuffer      int           `mapstructure:"P2P_COMMIT_BUFFER"`

	// DatabaseURL enables the postgres read model when set.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// NATSURL enables JetStream event fan-out when set.
	NATSURL string `mapstructure:"NATS_URL"`

	AdminAddress       string        `mapstructure:"LEDGER_ADMIN_ADDRESS"`
	TreasuryAddress    string        `mapstructure:"LEDGER_TREASURY_ADDRESS"`
	FeeBps             uint32        `mapstructure:"LEDGER_FEE_BPS"`
	MaxCapacityUnits   uint64        `mapstructure:"LEDGER_MAX_CAPACITY_UNITS"`
	MaxDuration        time.Duration `mapstructure:"LEDGER_MAX_DURATION"`
	MaxClockSkew       time.Duration `mapstructure:"LEDGER_MAX_CLOCK_SKEW"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`
}

// Load reads .env (if present), then the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	hostname, _ := os.Hostname()
	v.SetDefault("P2P_NODE_ID", strings.TrimSpace(hostname))
	v.SetDefault("P2P_RAFT_ADDR", "127.0.0.1:17000")
	v.SetDefault("P2P_HTTP_ADDR", "0.0.0.0:18080")
	v.SetDefault("P2P_DATA_DIR", "")
	v.SetDefault("P2P_BOOTSTRAP", false)
	v.SetDefault("P2P_APPLY_TIMEOUT", "5s")
	v.SetDefault("P2P_JOIN_ENDPOINT", "")
	v.SetDefault("P2P_JOIN_RETRIES", 30)
	v.SetDefault("P2P_JOIN_RETRY_DELAY", "1s")
	v.SetDefault("P2P_STARTUP_WAIT_LEADER", "4s")
	v.SetDefault("P2P_CLUSTER_TOKEN", "")
	v.SetDefault("P2P_COMMIT_BUFFER", 1024)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("POSTGRES_HOST", "")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "settlement")
	v.SetDefault("POSTGRES_PASSWORD", "")
	v.SetDefault("POSTGRES_DB", "settlement")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("LEDGER_ADMIN_ADDRESS", "")
	v.SetDefault("LEDGER_TREASURY_ADDRESS", "")
	v.SetDefault("LEDGER_FEE_BPS", escrow.DefaultFeeBps)
	v.SetDefault("LEDGER_MAX_CAPACITY_UNITS", uint64(1)<<50)
	v.SetDefault("LEDGER_MAX_DURATION", "720h")
	v.SetDefault("LEDGER_MAX_CLOCK_SKEW", "2m")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join("tmp", "settlementd", cfg.NodeID)
	}
	if cfg.DatabaseURL == "" && v.GetString("POSTGRES_HOST") != "" {
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			v.GetString("POSTGRES_USER"), v.GetString("POSTGRES_PASSWORD"), v.GetString("POSTGRES_HOST"),
			v.GetString("POSTGRES_PORT"), v.GetString("POSTGRES_DB"), v.GetString("DATABASE_SSLMODE"))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.RaftAddr) == "" {
		return errors.New("config: P2P_RAFT_ADDR must be set")
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: P2P_HTTP_ADDR must be set")
	}
	if !common.IsHexAddress(c.AdminAddress) {
		return errors.New("config: LEDGER_ADMIN_ADDRESS must be a hex address")
	}
	if !common.IsHexAddress(c.TreasuryAddress) {
		return errors.New("config: LEDGER_TREASURY_ADDRESS must be a hex address")
	}
	if c.FeeBps > escrow.BasisPoints {
		return fmt.Errorf("config: LEDGER_FEE_BPS must be <= %d", escrow.BasisPoints)
	}
	if c.MaxDuration < 0 || c.MaxClockSkew < 0 {
		return errors.New("config: ledger durations must not be negative")
	}
	if c.JoinRetries < 0 {
		return errors.New("config: P2P_JOIN_RETRIES must not be negative")
	}
	return nil
}

// LedgerParams builds the genesis parameters. Every node of a cluster must
// derive identical params.
func (c *Config) LedgerParams() ledger.Params {
	return ledger.Params{
		Admin:              common.HexToAddress(c.AdminAddress),
		Treasury:           common.HexToAddress(c.TreasuryAddress),
		FeeBps:             c.FeeBps,
		MaxCapacityUnits:   c.MaxCapacityUnits,
		MaxDurationSeconds: uint64(c.MaxDuration / time.Second),
		MaxClockSkew:       c.MaxClockSkew,
	}
}
