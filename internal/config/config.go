// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port         string
	Env          string // "development", "staging", "production"
	LogLevel     string
	LogFormat    string // "text" or "json"
	RateLimitRPS int    // inbound requests per second per client IP, 0 disables
	CORSOrigins  []string

	// Database (optional, uses in-memory if not set)
	DatabaseURL string

	// Tracing (optional, no-op if not set)
	OTLPEndpoint string

	// Explorer API
	ExplorerAPIKeys   []string
	ExplorerChainID   int64
	ExplorerBaseURL   string
	ExplorerRPSPerKey float64

	// Wallet history
	SyntheticFallback       bool
	RugpullDustThresholdEth float64 // 0 disables the dust predicate

	// Chain node used for code lookups, nonces and attestation
	RPCURL string

	// Risk model
	MLServiceURL  string
	RiskLowMax    float64
	RiskMediumMax float64

	// Loan policy
	PolicyThresholdsFile    string
	PolicyReloadInterval    time.Duration
	RejectBurnAddresses     bool
	RejectKnownContracts    bool
	RejectContracts         bool
	RejectRugpullGTE        float64
	RejectWalletAgeLT       int64
	RejectLiquidationsGTE   int
	RequireContractCheck    bool
	MaxRecommendedLimit     float64
	BurnAddresses           []string
	KnownContractAddresses  []string
	DefaultPlatinumMinTrust float64
	DefaultGoldMinTrust     float64
	DefaultSilverMinTrust   float64
	DefaultBronzeMinTrust   float64
	DefaultSilverMaxAmount  float64
	DefaultBronzeMaxAmount  float64

	// On-chain attestation
	BlockchainEnabled         bool
	BlockchainRequired        bool
	BlockchainChainID         int64
	BlockchainContractAddress string
	BlockchainPrivateKey      string // hex, 0x optional; never logged
	BlockchainGasLimit        uint64
	BlockchainGasPriceWei     *big.Int // nil means use the node's suggestion
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultRateLimit         = 20
	DefaultExplorerChainID   = 1
	DefaultExplorerBaseURL   = "https://api.etherscan.io/v2/api"
	DefaultExplorerRPSPerKey = 4
	DefaultThresholdsFile    = "/app/model/policy_thresholds.json"
	DefaultBlockchainChainID = 11155111 // Sepolia
	DefaultGasLimit          = 550000
)

// DefaultBurnAddresses and DefaultKnownContracts are the policy lists used
// when the corresponding variables are unset.
var (
	DefaultBurnAddresses = []string{
		"0x0000000000000000000000000000000000000000",
		"0x000000000000000000000000000000000000dEaD",
	}
	DefaultKnownContracts = []string{
		"0x7a250d5630b4cf539739df2c5dacb4c659f2488d",
		"0xe592427a0aece92de3edee1f18e0157c05861564",
		"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45",
		"0x1111111254fb6c44bac0bed2854e76f90643097d",
	}
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", nil),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ExplorerAPIKeys:   getEnvList("ETHERSCAN_API_KEYS", nil),
		ExplorerChainID:   getEnvInt64("ETHERSCAN_CHAIN_ID", DefaultExplorerChainID),
		ExplorerBaseURL:   getEnv("ETHERSCAN_BASE_URL", DefaultExplorerBaseURL),
		ExplorerRPSPerKey: getEnvFloat("ETHERSCAN_RPS_PER_KEY", DefaultExplorerRPSPerKey),

		SyntheticFallback:       getEnvBool("WALLET_SYNTHETIC_FALLBACK_ENABLED", false),
		RugpullDustThresholdEth: getEnvFloat("RUGPULL_DUST_THRESHOLD_ETH", 0),

		RPCURL: os.Getenv("RPC_URL"),

		MLServiceURL:  os.Getenv("ML_SERVICE_URL"),
		RiskLowMax:    getEnvFloat("RISK_LEVEL_LOW_MAX", 0.35),
		RiskMediumMax: getEnvFloat("RISK_LEVEL_MEDIUM_MAX", 0.65),

		PolicyThresholdsFile:    getEnv("LOAN_POLICY_THRESHOLDS_FILE", DefaultThresholdsFile),
		PolicyReloadInterval:    getEnvDuration("LOAN_POLICY_RELOAD_INTERVAL", 60*time.Second),
		RejectBurnAddresses:     getEnvBool("LOAN_POLICY_REJECT_BURN_ADDRESSES", true),
		RejectKnownContracts:    getEnvBool("LOAN_POLICY_REJECT_KNOWN_CONTRACT_ADDRESSES", true),
		RejectContracts:         getEnvBool("LOAN_POLICY_REJECT_CONTRACT_ADDRESSES", true),
		RejectRugpullGTE:        getEnvFloat("LOAN_POLICY_REJECT_RUGPULL_EXPOSURE_GTE", 0.70),
		RejectWalletAgeLT:       getEnvInt64("LOAN_POLICY_REJECT_WALLET_AGE_DAYS_LT", 14),
		RejectLiquidationsGTE:   int(getEnvInt64("LOAN_POLICY_REJECT_LIQUIDATION_EVENTS_GTE", 3)),
		RequireContractCheck:    getEnvBool("LOAN_POLICY_REQUIRE_CONTRACT_CHECK_SUCCESS", false),
		MaxRecommendedLimit:     getEnvFloat("LOAN_POLICY_MAX_RECOMMENDED_LIMIT_USD", 100000),
		BurnAddresses:           getEnvList("LOAN_POLICY_BURN_ADDRESSES", DefaultBurnAddresses),
		KnownContractAddresses:  getEnvList("LOAN_POLICY_KNOWN_CONTRACT_ADDRESSES", DefaultKnownContracts),
		DefaultPlatinumMinTrust: getEnvFloat("LOAN_POLICY_PLATINUM_MIN_TRUST", 0.85),
		DefaultGoldMinTrust:     getEnvFloat("LOAN_POLICY_GOLD_MIN_TRUST", 0.70),
		DefaultSilverMinTrust:   getEnvFloat("LOAN_POLICY_SILVER_MIN_TRUST", 0.55),
		DefaultBronzeMinTrust:   getEnvFloat("LOAN_POLICY_BRONZE_MIN_TRUST", 0.40),
		DefaultSilverMaxAmount:  getEnvFloat("LOAN_POLICY_SILVER_MAX_AMOUNT", 5000),
		DefaultBronzeMaxAmount:  getEnvFloat("LOAN_POLICY_BRONZE_MAX_AMOUNT", 1000),

		BlockchainEnabled:         getEnvBool("BLOCKCHAIN_ENABLED", false),
		BlockchainRequired:        getEnvBool("BLOCKCHAIN_REQUIRED", false),
		BlockchainChainID:         getEnvInt64("BLOCKCHAIN_CHAIN_ID", DefaultBlockchainChainID),
		BlockchainContractAddress: os.Getenv("BLOCKCHAIN_CONTRACT_ADDRESS"),
		BlockchainPrivateKey:      os.Getenv("BLOCKCHAIN_PRIVATE_KEY"),
		BlockchainGasLimit:        uint64(getEnvInt64("BLOCKCHAIN_GAS_LIMIT", DefaultGasLimit)), //nolint:gosec // validated below
		BlockchainGasPriceWei:     getEnvBigInt("BLOCKCHAIN_GAS_PRICE_WEI"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
// Blockchain contract/key problems are not fatal here; the attestation
// writer reports them per request.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.MLServiceURL == "" {
		return fmt.Errorf("ML_SERVICE_URL is required")
	}
	if c.BlockchainRequired && !c.BlockchainEnabled {
		return fmt.Errorf("BLOCKCHAIN_REQUIRED needs BLOCKCHAIN_ENABLED=true")
	}
	if !(c.DefaultPlatinumMinTrust >= c.DefaultGoldMinTrust &&
		c.DefaultGoldMinTrust >= c.DefaultSilverMinTrust &&
		c.DefaultSilverMinTrust >= c.DefaultBronzeMinTrust) {
		return fmt.Errorf("default tier thresholds must satisfy platinum >= gold >= silver >= bronze")
	}
	if c.RiskLowMax <= 0 || c.RiskLowMax >= c.RiskMediumMax || c.RiskMediumMax >= 1 {
		return fmt.Errorf("risk bands must satisfy 0 < RISK_LEVEL_LOW_MAX < RISK_LEVEL_MEDIUM_MAX < 1")
	}
	if c.BlockchainGasLimit == 0 {
		return fmt.Errorf("BLOCKCHAIN_GAS_LIMIT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvBigInt(key string) *big.Int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() <= 0 {
		return nil
	}
	return n
}
