package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentflow/pkg/logger"
)

const (
	// DefaultAPIPort defines the default port for the API, health and metrics server
	DefaultAPIPort = "8080"

	// DefaultStoreDriver keeps ledger state in memory
	DefaultStoreDriver = "memory"

	// DefaultRedisAddr is used when STORE_DRIVER=redis and REDIS_ADDR is unset
	DefaultRedisAddr = "localhost:6379"

	// DefaultAMQPExchange is the topic exchange committed events are published to
	DefaultAMQPExchange = "intentflow.events"

	// DefaultRegistryAddress is the custody account of the intent registry
	DefaultRegistryAddress = "0x00000000000000000000000000000000000F0001"

	// DefaultDispatcherAddress is the account of the execution dispatcher
	DefaultDispatcherAddress = "0x00000000000000000000000000000000000F0002"

	// DefaultMinCollateral is the smallest collateral a registration may carry
	DefaultMinCollateral = 100000

	// DefaultRegistryFeeCapBps caps the keeper fee any settlement may take
	DefaultRegistryFeeCapBps = 500

	// DefaultFeeSplitBps is the share of collateral paid to the keeper on success
	DefaultFeeSplitBps = 100

	// DefaultMaxWorkflowBytes bounds inline workflow blobs
	DefaultMaxWorkflowBytes = 4096

	// DefaultFailurePolicy records step failures as a Failed status
	DefaultFailurePolicy = "record"

	// DefaultOracleCacheTTL defines how long oracle reads are cached
	DefaultOracleCacheTTL = 15 * time.Second

	// DefaultPollingInterval defines how often the keeper scans for open intents
	DefaultPollingInterval = 5 * time.Second

	// DefaultWorkerCount defines the default number of keeper workers
	DefaultWorkerCount = 5

	// DefaultMaxRetries defines the maximum number of retries for failed executions
	DefaultMaxRetries = 10

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5 * time.Minute

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15 * time.Minute

	// DefaultLogLevel is the minimum level written
	DefaultLogLevel = "info"
)

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

func getEnvUint64(name string, def uint64) (uint64, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a non-negative integer", name, value)
	}
	return parsed, nil
}

func getEnvBps(name string, def uint64) (uint64, error) {
	bps, err := getEnvUint64(name, def)
	if err != nil {
		return 0, err
	}
	if bps > 10000 {
		return 0, fmt.Errorf("%s must not exceed 10000 basis points", name)
	}
	return bps, nil
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvAddress(name, def string) (common.Address, error) {
	value := os.Getenv(name)
	if value == "" {
		value = def
	}
	if value == "" {
		return common.Address{}, nil
	}

	// Validate Ethereum address format
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, value)
	}
	return common.HexToAddress(value), nil
}

// GetEnvAPIPort returns the API server port from environment variables
func GetEnvAPIPort() (string, error) {
	port := os.Getenv("API_PORT")
	if port == "" {
		return DefaultAPIPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid API_PORT value: %s, must be a valid integer", port)
	}
	return port, nil
}

// GetEnvStoreDriver returns the ledger store backend
func GetEnvStoreDriver() (string, error) {
	driver := strings.ToLower(os.Getenv("STORE_DRIVER"))
	if driver == "" {
		return DefaultStoreDriver, nil
	}

	switch driver {
	case "memory", "sqlite", "mysql", "postgres", "redis":
		return driver, nil
	}
	return "", fmt.Errorf("invalid STORE_DRIVER value: %s, must be one of memory, sqlite, mysql, postgres, redis", driver)
}

// GetEnvRedisDB returns the Redis logical database
func GetEnvRedisDB() (int, error) {
	value := os.Getenv("REDIS_DB")
	if value == "" {
		return 0, nil
	}

	db, err := strconv.Atoi(value)
	if err != nil || db < 0 {
		return 0, fmt.Errorf("invalid REDIS_DB value: %s, must be a non-negative integer", value)
	}
	return db, nil
}

// GetEnvRegistryAddress returns the registry custody account
func GetEnvRegistryAddress() (common.Address, error) {
	return getEnvAddress("REGISTRY_ADDRESS", DefaultRegistryAddress)
}

// GetEnvDispatcherAddress returns the dispatcher account
func GetEnvDispatcherAddress() (common.Address, error) {
	return getEnvAddress("DISPATCHER_ADDRESS", DefaultDispatcherAddress)
}

// GetEnvOwnerAddress returns the administrator of registry, dispatcher and oracle feed
func GetEnvOwnerAddress() (common.Address, error) {
	return getEnvAddress("OWNER_ADDRESS", "")
}

// GetEnvDefaultKeeper returns the keeper assigned to intents registered without one
func GetEnvDefaultKeeper() (common.Address, error) {
	return getEnvAddress("DEFAULT_KEEPER", "")
}

// GetEnvMinCollateral returns the minimum collateral of a registration
func GetEnvMinCollateral() (uint64, error) {
	return getEnvUint64("MIN_COLLATERAL", DefaultMinCollateral)
}

// GetEnvRegistryFeeCapBps returns the registry fee cap
func GetEnvRegistryFeeCapBps() (uint64, error) {
	return getEnvBps("REGISTRY_FEE_CAP_BPS", DefaultRegistryFeeCapBps)
}

// GetEnvFeeSplitBps returns the keeper fee share of the dispatcher
func GetEnvFeeSplitBps() (uint64, error) {
	return getEnvBps("FEE_SPLIT_BPS", DefaultFeeSplitBps)
}

// GetEnvMaxWorkflowBytes returns the inline workflow size limit
func GetEnvMaxWorkflowBytes() (int, error) {
	return getEnvPositiveInt("MAX_WORKFLOW_BYTES", DefaultMaxWorkflowBytes)
}

// GetEnvAllowOwnerCancel returns whether owners may cancel active intents
func GetEnvAllowOwnerCancel() (bool, error) {
	return getEnvBool("ALLOW_OWNER_CANCEL", false)
}

// GetEnvFailurePolicy returns how step failures are handled
func GetEnvFailurePolicy() (string, error) {
	policy := strings.ToLower(os.Getenv("FAILURE_POLICY"))
	if policy == "" {
		return DefaultFailurePolicy, nil
	}
	if policy != "record" && policy != "abort" {
		return "", fmt.Errorf("invalid FAILURE_POLICY value: %s, must be 'record' or 'abort'", policy)
	}
	return policy, nil
}

// GetEnvOracleCacheTTL returns how long oracle reads are cached
func GetEnvOracleCacheTTL() (time.Duration, error) {
	return getEnvDuration("ORACLE_CACHE_TTL", DefaultOracleCacheTTL)
}

// GetEnvKeeperEnabled returns whether the built-in keeper runs
func GetEnvKeeperEnabled() (bool, error) {
	return getEnvBool("KEEPER_ENABLED", false)
}

// GetEnvPollingInterval returns how often the keeper scans for open intents
func GetEnvPollingInterval() (time.Duration, error) {
	return getEnvDuration("POLLING_INTERVAL", DefaultPollingInterval)
}

// GetEnvWorkerCount returns the number of workers from environment variables
func GetEnvWorkerCount() (int, error) {
	return getEnvPositiveInt("WORKER_COUNT", DefaultWorkerCount)
}

// GetEnvMaxRetries returns the maximum number of retries from environment variables
func GetEnvMaxRetries() (int, error) {
	maxRetries := os.Getenv("MAX_RETRIES")
	if maxRetries == "" {
		return DefaultMaxRetries, nil
	}

	maxRetriesInt, err := strconv.Atoi(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_RETRIES value: %s, must be an integer", maxRetries)
	}
	if maxRetriesInt < 0 {
		return 0, fmt.Errorf("MAX_RETRIES must be greater than or equal to 0")
	}
	return maxRetriesInt, nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
}

// GetEnvLogLevel returns the minimum log level
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = DefaultLogLevel
	}
	return logger.ParseLevel(level)
}

// GetEnvLogColoring returns whether log output is colored
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}
