package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names understood by the Anchor tooling.
const (
	EnvProviderURL   = "ANCHOR_PROVIDER_URL"
	EnvProviderWSURL = "ANCHOR_PROVIDER_WS_URL"
	EnvWallet        = "ANCHOR_WALLET"
	EnvCommitment    = "ANCHOR_COMMITMENT"
	EnvSkipPreflight = "ANCHOR_SKIP_PREFLIGHT"
	EnvConfirmTimout = "ANCHOR_CONFIRM_TIMEOUT"
	EnvPollInterval  = "ANCHOR_POLL_INTERVAL"
	EnvWorkspace     = "ANCHOR_WORKSPACE"
)

// MaxFaucetSOL is the largest faucet whose lamport balance fits in a uint64.
const MaxFaucetSOL = math.MaxUint64 / 1_000_000_000

var (
	ErrMissingProviderURL = errors.New(EnvProviderURL + " is not set")
	ErrMissingWallet      = errors.New(EnvWallet + " is not set")
)

// Config represents the complete application configuration
type Config struct {
	Provider      ProviderConfig
	Workspace     string
	Localnet      LocalnetConfig
	Observability ObservabilityConfig
}

// ProviderConfig describes how to reach a cluster and who pays for transactions.
type ProviderConfig struct {
	URL            string
	WSURL          string // optional; confirmations are polled over RPC when empty
	WalletPath     string
	Commitment     string
	SkipPreflight  bool
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// LocalnetConfig holds settings for the in-process cluster.
type LocalnetConfig struct {
	Addr       string
	LedgerPath string
	FaucetSOL  int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// Load reads the configuration from the environment, after loading .env if present.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Provider:  loadProviderConfig(),
		Workspace: getEnv(EnvWorkspace, "."),
		Localnet: LocalnetConfig{
			Addr:       getEnv("LOCALNET_ADDR", "127.0.0.1:8899"),
			LedgerPath: getEnv("LOCALNET_LEDGER", ":memory:"),
			FaucetSOL:  getEnvAsInt("LOCALNET_FAUCET_SOL", 1_000_000),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadProvider returns the provider section only. Both the RPC URL and the
// wallet path must be present.
func LoadProvider() (ProviderConfig, error) {
	_ = godotenv.Load(".env")

	p := loadProviderConfig()
	if p.URL == "" {
		return p, ErrMissingProviderURL
	}
	if p.WalletPath == "" {
		return p, ErrMissingWallet
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func loadProviderConfig() ProviderConfig {
	return ProviderConfig{
		URL:            getEnv(EnvProviderURL, ""),
		WSURL:          getEnv(EnvProviderWSURL, ""),
		WalletPath:     expandHome(getEnv(EnvWallet, "")),
		Commitment:     getEnv(EnvCommitment, "confirmed"),
		SkipPreflight:  getEnvAsBool(EnvSkipPreflight, false),
		ConfirmTimeout: getEnvAsDuration(EnvConfirmTimout, 60*time.Second),
		PollInterval:   getEnvAsDuration(EnvPollInterval, 250*time.Millisecond),
	}
}

// Validate checks the fields that have a closed set of values.
func (c *Config) Validate() error {
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Observability.LogFormat)
	}
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if c.Localnet.FaucetSOL <= 0 {
		return fmt.Errorf("faucet balance must be positive")
	}
	if c.Localnet.FaucetSOL > MaxFaucetSOL {
		return fmt.Errorf("faucet balance must not exceed %d SOL", MaxFaucetSOL)
	}
	return nil
}

// Validate checks commitment and timing settings.
func (p *ProviderConfig) Validate() error {
	switch p.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("unknown commitment %q", p.Commitment)
	}
	if p.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm timeout must be positive")
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
