package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/speedrun-hq/intentflow/pkg/logger"
)

// Config holds the configuration for the intent node
type Config struct {
	APIPort           string
	MetricsAPIKey     string
	Store             StoreConfig
	Events            EventsConfig
	RegistryAddress   common.Address
	DispatcherAddress common.Address
	OwnerAddress      common.Address
	DefaultKeeper     common.Address
	MinCollateral     uint64
	RegistryFeeCapBps uint64
	FeeSplitBps       uint64
	MaxWorkflowBytes  int
	AllowOwnerCancel  bool
	FailurePolicy     string
	NetworkFile       string
	Oracle            OracleConfig
	Keeper            KeeperConfig
	CircuitBreaker    CircuitBreakerConfig
	LoggerConfig      LoggerConfig
}

// StoreConfig selects the ledger state backend
type StoreConfig struct {
	Driver        string
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// EventsConfig holds the optional event bus settings
type EventsConfig struct {
	AMQPURL      string
	AMQPExchange string
}

// OracleConfig holds oracle read settings
type OracleConfig struct {
	RPCURL   string
	CacheTTL time.Duration
}

// KeeperConfig holds the built-in keeper settings
type KeeperConfig struct {
	Enabled         bool
	PrivateKey      string
	WorkerCount     int
	MaxRetries      int
	PollingInterval time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment
func FromEnv() (*Config, error) {
	var (
		cfg = &Config{
			MetricsAPIKey: os.Getenv("METRICS_API_KEY"),
			NetworkFile:   os.Getenv("NETWORK_FILE"),
		}
		err error
	)

	if cfg.APIPort, err = GetEnvAPIPort(); err != nil {
		return nil, err
	}

	if cfg.Store.Driver, err = GetEnvStoreDriver(); err != nil {
		return nil, err
	}
	cfg.Store.DSN = os.Getenv("STORE_DSN")
	cfg.Store.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = DefaultRedisAddr
	}
	cfg.Store.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.Store.RedisDB, err = GetEnvRedisDB(); err != nil {
		return nil, err
	}

	cfg.Events.AMQPURL = os.Getenv("EVENTS_AMQP_URL")
	cfg.Events.AMQPExchange = os.Getenv("EVENTS_AMQP_EXCHANGE")
	if cfg.Events.AMQPExchange == "" {
		cfg.Events.AMQPExchange = DefaultAMQPExchange
	}

	if cfg.RegistryAddress, err = GetEnvRegistryAddress(); err != nil {
		return nil, err
	}
	if cfg.DispatcherAddress, err = GetEnvDispatcherAddress(); err != nil {
		return nil, err
	}
	if cfg.OwnerAddress, err = GetEnvOwnerAddress(); err != nil {
		return nil, err
	}
	if cfg.DefaultKeeper, err = GetEnvDefaultKeeper(); err != nil {
		return nil, err
	}
	if cfg.MinCollateral, err = GetEnvMinCollateral(); err != nil {
		return nil, err
	}
	if cfg.RegistryFeeCapBps, err = GetEnvRegistryFeeCapBps(); err != nil {
		return nil, err
	}
	if cfg.FeeSplitBps, err = GetEnvFeeSplitBps(); err != nil {
		return nil, err
	}
	if cfg.MaxWorkflowBytes, err = GetEnvMaxWorkflowBytes(); err != nil {
		return nil, err
	}
	if cfg.AllowOwnerCancel, err = GetEnvAllowOwnerCancel(); err != nil {
		return nil, err
	}
	if cfg.FailurePolicy, err = GetEnvFailurePolicy(); err != nil {
		return nil, err
	}

	cfg.Oracle.RPCURL = os.Getenv("ORACLE_RPC_URL")
	if cfg.Oracle.CacheTTL, err = GetEnvOracleCacheTTL(); err != nil {
		return nil, err
	}

	if cfg.Keeper.Enabled, err = GetEnvKeeperEnabled(); err != nil {
		return nil, err
	}
	cfg.Keeper.PrivateKey = os.Getenv("KEEPER_PRIVATE_KEY")
	if cfg.Keeper.WorkerCount, err = GetEnvWorkerCount(); err != nil {
		return nil, err
	}
	if cfg.Keeper.MaxRetries, err = GetEnvMaxRetries(); err != nil {
		return nil, err
	}
	if cfg.Keeper.PollingInterval, err = GetEnvPollingInterval(); err != nil {
		return nil, err
	}

	if cfg.CircuitBreaker.Enabled, err = GetEnvCircuitBreakerEnabled(); err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.Threshold, err = GetEnvCircuitBreakerThreshold(); err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.WindowDuration, err = GetEnvCircuitBreakerWindow(); err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.ResetTimeout, err = GetEnvCircuitBreakerReset(); err != nil {
		return nil, err
	}

	if cfg.LoggerConfig.Level, err = GetEnvLogLevel(); err != nil {
		return nil, err
	}
	if cfg.LoggerConfig.Coloring, err = GetEnvLogColoring(); err != nil {
		return nil, err
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.OwnerAddress == (common.Address{}) {
		return fmt.Errorf("OWNER_ADDRESS environment variable is required")
	}
	if cfg.RegistryAddress == cfg.DispatcherAddress {
		return fmt.Errorf("REGISTRY_ADDRESS and DISPATCHER_ADDRESS must differ")
	}
	if cfg.FeeSplitBps > cfg.RegistryFeeCapBps {
		return fmt.Errorf("FEE_SPLIT_BPS %d exceeds REGISTRY_FEE_CAP_BPS %d", cfg.FeeSplitBps, cfg.RegistryFeeCapBps)
	}
	switch cfg.Store.Driver {
	case "sqlite", "mysql", "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("STORE_DSN is required for STORE_DRIVER=%s", cfg.Store.Driver)
		}
	}
	if cfg.Keeper.Enabled && cfg.Keeper.PrivateKey == "" {
		return fmt.Errorf("KEEPER_PRIVATE_KEY is required when KEEPER_ENABLED=true")
	}
	return nil
}
