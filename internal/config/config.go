// Package config loads and validates the oracle's environment-variable
// configuration, in the shape of the teacher's internal/config: a typed
// struct, small getEnv/parseXEnv helpers, one Load() entry point and one
// validate() pass that fails fast on misconfiguration (spec §7 "Fatal").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-variable setting enumerated in spec §6.
type Config struct {
	HeliusAPIKey        string
	HeliusWebhookSecret string
	RPCURL              string

	TokenMint     string
	TokenSymbol   string
	TokenDecimals int
	TokenLaunchTs time.Time

	OGEarlyWindowDays   int
	OGHoldThresholdDays int
	MinBalance          int64
	MinBalanceUSD       float64

	PriceRefreshIntervalSeconds int

	Port string

	CORSOrigins []string

	AdminKey string

	KGlobalGated      bool
	KGlobalMinBalance int64
	KGlobalFailClosed bool

	Maintenance bool
	Production  bool

	DBPath       string
	BackupDir    string
	BackupRetain int

	PullIntervalSeconds int
	WalletScorerWorkers int
	TokenScorerWorkers  int
	TokenScorerTopN     int

	EcosystemSuffixes []string

	LogLevel string
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		HeliusAPIKey:        getEnv("HELIUS_API_KEY", ""),
		HeliusWebhookSecret: getEnv("HELIUS_WEBHOOK_SECRET", ""),
		RPCURL:              getEnv("RPC_URL", "https://api.mainnet-beta.solana.com"),

		TokenMint:   getEnv("TOKEN_MINT", ""),
		TokenSymbol: getEnv("TOKEN_SYMBOL", "TOKEN"),

		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AdminKey: getEnv("ADMIN_KEY", ""),

		DBPath:       getEnv("DB_PATH", "./data/oracle.db"),
		BackupDir:    getEnv("BACKUP_DIR", "./data/backups"),
		BackupRetain: 5,

		PullIntervalSeconds:         300,
		WalletScorerWorkers:         3,
		TokenScorerWorkers:          5,
		TokenScorerTopN:             50,
		PriceRefreshIntervalSeconds: 300,

		EcosystemSuffixes: splitCSV(getEnv("ECOSYSTEM_SUFFIXES", "pump,bonk")),
	}

	var err error
	if cfg.TokenDecimals, err = parseIntEnv("TOKEN_DECIMALS", 9); err != nil {
		return cfg, fmt.Errorf("invalid TOKEN_DECIMALS: %w", err)
	}

	if cfg.BackupRetain, err = parseIntEnv("BACKUP_RETAIN_COUNT", 5); err != nil {
		return cfg, fmt.Errorf("invalid BACKUP_RETAIN_COUNT: %w", err)
	}

	launchUnix, err := parseIntEnv("TOKEN_LAUNCH_TS", 0)
	if err != nil {
		return cfg, fmt.Errorf("invalid TOKEN_LAUNCH_TS: %w", err)
	}
	cfg.TokenLaunchTs = time.Unix(int64(launchUnix), 0).UTC()

	if cfg.OGEarlyWindowDays, err = parseIntEnv("OG_EARLY_WINDOW", 7); err != nil {
		return cfg, fmt.Errorf("invalid OG_EARLY_WINDOW: %w", err)
	}
	if cfg.OGHoldThresholdDays, err = parseIntEnv("OG_HOLD_THRESHOLD", 30); err != nil {
		return cfg, fmt.Errorf("invalid OG_HOLD_THRESHOLD: %w", err)
	}

	minBalance, err := parseIntEnv("MIN_BALANCE", 0)
	if err != nil {
		return cfg, fmt.Errorf("invalid MIN_BALANCE: %w", err)
	}
	cfg.MinBalance = int64(minBalance)

	if cfg.MinBalanceUSD, err = parseFloatEnv("MIN_BALANCE_USD", 1.0); err != nil {
		return cfg, fmt.Errorf("invalid MIN_BALANCE_USD: %w", err)
	}

	cfg.CORSOrigins = splitCSV(getEnv("CORS_ORIGINS", ""))

	if cfg.KGlobalGated, err = parseBoolEnv("K_GLOBAL_GATED", true); err != nil {
		return cfg, fmt.Errorf("invalid K_GLOBAL_GATED: %w", err)
	}

	minGlobal, err := parseIntEnv("K_GLOBAL_MIN_BALANCE", 0)
	if err != nil {
		return cfg, fmt.Errorf("invalid K_GLOBAL_MIN_BALANCE: %w", err)
	}
	cfg.KGlobalMinBalance = int64(minGlobal)

	if cfg.KGlobalFailClosed, err = parseBoolEnv("K_GLOBAL_FAIL_CLOSED", true); err != nil {
		return cfg, fmt.Errorf("invalid K_GLOBAL_FAIL_CLOSED: %w", err)
	}
	if cfg.Maintenance, err = parseBoolEnv("MAINTENANCE", false); err != nil {
		return cfg, fmt.Errorf("invalid MAINTENANCE: %w", err)
	}
	if cfg.Production, err = parseBoolEnv("NODE_ENV_PRODUCTION", false); err != nil {
		return cfg, fmt.Errorf("invalid NODE_ENV_PRODUCTION: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.TokenMint == "" {
		return fmt.Errorf("TOKEN_MINT is required")
	}
	if c.Production && c.HeliusWebhookSecret == "" {
		return fmt.Errorf("HELIUS_WEBHOOK_SECRET is required in production; the inbound webhook refuses traffic without it")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s", c.LogLevel)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(str, 64)
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(str)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
