package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Deposits   DepositConfig    `yaml:"deposits"`
	Payments   PaymentConfig    `yaml:"payments"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// RedisConfig Redis configuration (catch-up checkpoint storage)
type RedisConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// BlockchainConfig chain node and token configuration
type BlockchainConfig struct {
	ChainID        int64    `yaml:"chainId"`
	RPCEndpoint    string   `yaml:"rpcEndpoint"`
	WSEndpoint     string   `yaml:"wsEndpoint"`
	TokenContract  string   `yaml:"tokenContract"`
	GasPrice       string   `yaml:"gasPrice"` // wei, or "auto"
	GasLimit       uint64   `yaml:"gasLimit"`
	PayoutKey      string   `yaml:"payoutKey"` // hex private key, no 0x prefix
	RPCFallbacks   []string `yaml:"rpcFallbacks"`
	ReceiptTimeout int      `yaml:"receiptTimeout"` // seconds
}

// DepositConfig deposit matching and confirmation policy
type DepositConfig struct {
	TierAmounts         map[int]float64 `yaml:"tierAmounts"`         // tier -> fixed token amount
	ConfirmationDepth   uint64          `yaml:"confirmationDepth"`   // blocks before a deposit is final
	SweepInterval       int             `yaml:"sweepInterval"`       // seconds
	SweepBatchSize      int             `yaml:"sweepBatchSize"`      // intents per sweep
	SweepWorkers        int             `yaml:"sweepWorkers"`        // bounded parallelism
	TimeoutHours        int             `yaml:"timeoutHours"`        // intent age before timeout handling
	RecoveryLookbackHrs int             `yaml:"recoveryLookbackHrs"` // on-chain search window for lost transfers
	CatchupBlocks       uint64          `yaml:"catchupBlocks"`       // fallback scan depth with no checkpoint
	CatchupCooldown     int             `yaml:"catchupCooldown"`     // seconds between catch-up runs
	EntryTierMultiplier float64         `yaml:"entryTierMultiplier"` // yield cap = amount * multiplier
}

// PaymentConfig payout retry policy
type PaymentConfig struct {
	MaxAttempts   int    `yaml:"maxAttempts"`
	BackoffTable  []int  `yaml:"backoffTable"`  // seconds, ascending
	SweepInterval int    `yaml:"sweepInterval"` // seconds
	MinGasReserve string `yaml:"minGasReserve"` // wei kept aside for gas
}

// AdminConfig admin API access configuration
type AdminConfig struct {
	JWTSecret  string   `yaml:"jwtSecret"`
	AllowedIPs []string `yaml:"allowedIPs"`
}

// SweepIntervalDuration returns the deposit sweep interval as a duration.
func (c *DepositConfig) SweepIntervalDuration() time.Duration {
	if c.SweepInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.SweepInterval) * time.Second
}

// TimeoutDuration returns the intent timeout as a duration.
func (c *DepositConfig) TimeoutDuration() time.Duration {
	if c.TimeoutHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.TimeoutHours) * time.Hour
}

// RecoveryLookback returns the forensic lookback window as a duration.
func (c *DepositConfig) RecoveryLookback() time.Duration {
	if c.RecoveryLookbackHrs <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.RecoveryLookbackHrs) * time.Hour
}

// CatchupCooldownDuration returns the cooldown between historical catch-up runs.
func (c *DepositConfig) CatchupCooldownDuration() time.Duration {
	if c.CatchupCooldown <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.CatchupCooldown) * time.Second
}

// Backoff returns the payout retry delay table.
func (c *PaymentConfig) Backoff() []time.Duration {
	if len(c.BackoffTable) == 0 {
		return []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour}
	}
	out := make([]time.Duration, len(c.BackoffTable))
	for i, s := range c.BackoffTable {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// LoadConfig loads the configuration file and applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&config)

	if config.Database.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if config.Blockchain.TokenContract == "" {
		return nil, fmt.Errorf("blockchain token contract address is required")
	}

	fmt.Printf("✅ [%s] Loaded configuration from %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)
	return &config, nil
}

// overrideFromEnv applies environment variable overrides
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}

	if rpcURL := os.Getenv("CHAIN_RPC_URL"); rpcURL != "" {
		config.Blockchain.RPCEndpoint = rpcURL
	}
	if wsURL := os.Getenv("CHAIN_WS_URL"); wsURL != "" {
		config.Blockchain.WSEndpoint = wsURL
	}
	if fallbacks := os.Getenv("CHAIN_RPC_FALLBACKS"); fallbacks != "" {
		parts := strings.Split(fallbacks, ",")
		config.Blockchain.RPCFallbacks = config.Blockchain.RPCFallbacks[:0]
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				config.Blockchain.RPCFallbacks = append(config.Blockchain.RPCFallbacks, trimmed)
			}
		}
	}
	if token := os.Getenv("TOKEN_CONTRACT"); token != "" {
		config.Blockchain.TokenContract = token
	}
	if key := os.Getenv("PAYOUT_PRIVATE_KEY"); key != "" {
		config.Blockchain.PayoutKey = key
	}
	if gasPrice := os.Getenv("CHAIN_GAS_PRICE"); gasPrice != "" {
		config.Blockchain.GasPrice = gasPrice
	}
	if gasLimit := os.Getenv("CHAIN_GAS_LIMIT"); gasLimit != "" {
		if limit, err := strconv.ParseUint(gasLimit, 10, 64); err == nil {
			config.Blockchain.GasLimit = limit
		}
	}

	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
	}
}
