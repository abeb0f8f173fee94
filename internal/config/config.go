package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// EligibilityMode selects the source consulted by the policy engine.
type EligibilityMode string

const (
	ModeWhitelist EligibilityMode = "whitelist"
	ModeOracle    EligibilityMode = "oracle"
)

// AppConfig aggregates everything the process needs at startup.
type AppConfig struct {
	LogLevel string
	Service  ServiceConfig
	Chain    ChainConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Faucet   FaucetConfig
}

type ServiceConfig struct {
	HTTPPort       int
	AdminSecret    string
	AdminClockSkew time.Duration
	LedgerPath     string
	WhitelistPath  string
	PolicyPath     string
	JournalPath    string
	AppendRetries  int
}

type ChainConfig struct {
	RPCURL        string
	PrivateKey    string
	ChainID       int64
	RPCTimeout    time.Duration
	RateLimit     float64
	OracleAddress string
	Mode          EligibilityMode
}

type DatabaseConfig struct {
	URL string
}

type KafkaConfig struct {
	BrokerAddress string
	Topic         string
}

// FaucetConfig holds the initial disbursement policy. The live values are
// owned by the policy config store and may be updated at runtime.
type FaucetConfig struct {
	AmountWei        *big.Int
	Cooldown         time.Duration
	MaxAddresses     int
	MaxWallets       int
	GasMarginPercent int
	FallbackGasLimit uint64
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	amount, ok := new(big.Int).SetString(envOr("FAUCET_AMOUNT_WEI", "1000000000000000"), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid FAUCET_AMOUNT_WEI")
	}

	mode := EligibilityMode(envOr("ELIGIBILITY_MODE", string(ModeWhitelist)))
	if mode != ModeWhitelist && mode != ModeOracle {
		return nil, fmt.Errorf("invalid ELIGIBILITY_MODE: %s", mode)
	}
	if mode == ModeOracle && envOr("ALLOWLIST_ORACLE_ADDRESS", "") == "" {
		return nil, fmt.Errorf("ELIGIBILITY_MODE=oracle requires ALLOWLIST_ORACLE_ADDRESS")
	}

	cfg := &AppConfig{
		LogLevel: envOr("LOG_LEVEL", "info"),
		Service: ServiceConfig{
			HTTPPort:       envOrInt("HTTP_PORT", 8080),
			AdminSecret:    envOr("ADMIN_API_SECRET", ""),
			AdminClockSkew: time.Duration(envOrInt("ADMIN_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			LedgerPath:     envOr("LEDGER_PATH", filepath.Join(dataDir(), "ledger.json")),
			WhitelistPath:  envOr("WHITELIST_PATH", filepath.Join(dataDir(), "whitelist.json")),
			PolicyPath:     envOr("POLICY_PATH", filepath.Join(dataDir(), "policy.json")),
			JournalPath:    envOr("JOURNAL_PATH", filepath.Join(dataDir(), "journal")),
			AppendRetries:  envOrInt("LEDGER_APPEND_RETRIES", 3),
		},
		Chain: ChainConfig{
			RPCURL:        envOr("ETH_RPC_URL", ""),
			PrivateKey:    envOr("FAUCET_PRIVATE_KEY", ""),
			ChainID:       int64(envOrInt("CHAIN_ID", 421614)),
			RPCTimeout:    time.Duration(envOrInt("RPC_TIMEOUT_SECONDS", 15)) * time.Second,
			RateLimit:     float64(envOrInt("RPC_RATE_LIMIT", 10)),
			OracleAddress: envOr("ALLOWLIST_ORACLE_ADDRESS", ""),
			Mode:          mode,
		},
		Database: DatabaseConfig{
			URL: envOr("DATABASE_URL", ""),
		},
		Kafka: KafkaConfig{
			BrokerAddress: envOr("KAFKA_BROKER_ADDRESS", ""),
			Topic:         envOr("KAFKA_TOPIC", "faucet-claims"),
		},
		Faucet: FaucetConfig{
			AmountWei:        amount,
			Cooldown:         time.Duration(envOrInt("COOLDOWN_HOURS", 24)) * time.Hour,
			MaxAddresses:     envOrInt("MAX_ADDRESSES_PER_IDENTITY", 3),
			MaxWallets:       envOrInt("MAX_WALLETS_PER_IDENTITY", 10),
			GasMarginPercent: envOrInt("GAS_MARGIN_PERCENT", 120),
			FallbackGasLimit: uint64(envOrInt("FALLBACK_GAS_LIMIT", 25000)),
		},
	}

	if cfg.Faucet.Cooldown <= 0 {
		return nil, fmt.Errorf("cooldown must be positive")
	}
	if cfg.Faucet.MaxAddresses <= 0 {
		return nil, fmt.Errorf("max addresses per identity must be positive")
	}
	if cfg.Faucet.GasMarginPercent < 100 {
		return nil, fmt.Errorf("gas margin percent must be >= 100")
	}

	return cfg, nil
}

func dataDir() string {
	return envOr("DATA_DIR", filepath.Join(os.TempDir(), "dripgate"))
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
