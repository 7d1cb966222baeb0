package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/latinumai/x402-facilitator/types"
)

var validate = validator.New()

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Solana   SolanaConfig
	Base     BaseConfig
	FeePayer FeePayerConfig
	RPC      RPCConfig
	Tokens   TokenConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	ListenAddr  string        `validate:"required"`
	ReadTimeout time.Duration `validate:"gt=0"`
	// Upper bound on one validation, confirmation wait included.
	RequestTimeout  time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

type SolanaConfig struct {
	DefaultNetwork string `validate:"oneof=mainnet devnet testnet"`
	MainnetRPC     string `validate:"omitempty,url"`
	DevnetRPC      string `validate:"omitempty,url"`
	TestnetRPC     string `validate:"omitempty,url"`
}

// BaseConfig uses testnet for Base Sepolia; Base has no devnet deployment.
type BaseConfig struct {
	DefaultNetwork string `validate:"oneof=mainnet testnet"`
	MainnetRPC     string `validate:"omitempty,url"`
	TestnetRPC     string `validate:"omitempty,url"`
	Confirmations  uint64 `validate:"gte=1"`
}

type FeePayerConfig struct {
	PrivateKeyBase58 string
	KeypairPath      string
}

type RPCConfig struct {
	RateLimit    float64       `validate:"gt=0"`
	Burst        int           `validate:"gte=1"`
	PollInterval time.Duration `validate:"gt=0"`
	// Bounds read-only lookups such as token metadata.
	LookupTimeout time.Duration `validate:"gt=0"`
}

type TokenConfig struct {
	CacheSize int           `validate:"gte=1"`
	CacheTTL  time.Duration `validate:"gt=0"`
}

type TracingConfig struct {
	Endpoint string
	Insecure bool
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      getEnv("FACILITATOR_LISTEN_ADDR", ":8080"),
			ReadTimeout:     getEnvDuration("FACILITATOR_READ_TIMEOUT", 15*time.Second),
			RequestTimeout:  getEnvDuration("FACILITATOR_REQUEST_TIMEOUT", 2*time.Minute),
			ShutdownTimeout: getEnvDuration("FACILITATOR_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
		Solana: SolanaConfig{
			DefaultNetwork: getEnv("SOLANA_NETWORK", string(types.NetworkMainnet)),
			MainnetRPC:     getEnv("SOLANA_RPC_MAINNET", "https://api.mainnet-beta.solana.com"),
			DevnetRPC:      getEnv("SOLANA_RPC_DEVNET", "https://api.devnet.solana.com"),
			TestnetRPC:     getEnv("SOLANA_RPC_TESTNET", "https://api.testnet.solana.com"),
		},
		Base: BaseConfig{
			DefaultNetwork: getEnv("BASE_NETWORK", string(types.NetworkTestnet)),
			MainnetRPC:     getEnv("BASE_RPC_MAINNET", "https://mainnet.base.org"),
			TestnetRPC:     getEnv("BASE_RPC_TESTNET", "https://sepolia.base.org"),
			Confirmations:  uint64(getEnvInt("BASE_CONFIRMATIONS", 3)),
		},
		FeePayer: FeePayerConfig{
			PrivateKeyBase58: os.Getenv("SOLANA_FEE_PAYER_PRIVATE_KEY"),
			KeypairPath:      os.Getenv("SOLANA_FEE_PAYER_KEYPAIR_PATH"),
		},
		RPC: RPCConfig{
			RateLimit:     getEnvFloat("RPC_RATE_LIMIT", 10),
			Burst:         getEnvInt("RPC_BURST", 20),
			PollInterval:  getEnvDuration("CONFIRM_POLL_INTERVAL", 500*time.Millisecond),
			LookupTimeout: getEnvDuration("METADATA_LOOKUP_TIMEOUT", 5*time.Second),
		},
		Tokens: TokenConfig{
			CacheSize: getEnvInt("TOKEN_CACHE_SIZE", 1024),
			CacheTTL:  getEnvDuration("TOKEN_CACHE_TTL", time.Hour),
		},
		Tracing: TracingConfig{
			Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}
	return nil
}

// SolanaRPC returns the configured endpoint per tier, skipping empty ones.
func (c *Config) SolanaRPC() map[types.NetworkTier]string {
	return nonEmpty(map[types.NetworkTier]string{
		types.NetworkMainnet: c.Solana.MainnetRPC,
		types.NetworkDevnet:  c.Solana.DevnetRPC,
		types.NetworkTestnet: c.Solana.TestnetRPC,
	})
}

// BaseRPC returns the configured endpoint per tier, skipping empty ones.
func (c *Config) BaseRPC() map[types.NetworkTier]string {
	return nonEmpty(map[types.NetworkTier]string{
		types.NetworkMainnet: c.Base.MainnetRPC,
		types.NetworkTestnet: c.Base.TestnetRPC,
	})
}

func nonEmpty(m map[types.NetworkTier]string) map[types.NetworkTier]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
