package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port      string
	JWTSecret string

	// Control API credentials for token issuance.
	AdminUser string
	AdminPass string

	// Database
	DBPath string

	// Logging
	LogLevel      string
	LogOutput     string // "console", "file" or "both"
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	// Concurrency coordination
	LockStore          string // "badger" or "memory"
	LockStorePath      string
	LockTTLMs          int
	CooldownSeconds    int
	LockDegradedPolicy string // "allow" or "fail_closed"

	// Dispatch reconciliation
	ReconcileAttempts   int
	ReconcileBackoffMs  int
	ModifyRetryAttempts int

	// Periodic position reconciliation against the broker.
	ReconcileIntervalSec int

	// Paper connector
	PaperInitialBalance float64
	PaperCurrency       string

	// Demo wire connector
	WireBaseURL   string
	WireStreamURL string
	WireAPIKey    string
	WireAPISecret string

	// Simulation defaults
	SimSpread          float64
	SimSlippageType    string // "fixed" or "percentage"
	SimSlippageValue   float64
	SimCommissionType  string // "per_trade" or "per_lot"
	SimCommissionValue float64
	SimTieBreak        string // "stop_first", "target_first" or "nearest_to_open"

	// Historical data downloader
	HistoryDir            string
	BinanceUseTestnet     bool
	DownloadRetryAttempts int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:      getEnv("PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		AdminUser: getEnv("ADMIN_USER", "admin"),
		AdminPass: os.Getenv("ADMIN_PASS"),

		DBPath: getEnv("DB_PATH", "./data/execution.db"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogOutput:     strings.ToLower(getEnv("LOG_OUTPUT", "console")),
		LogFile:       getEnv("LOG_FILE", "./logs/execution-core.log"),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
		LogCompress:   getEnv("LOG_COMPRESS", "true") == "true",

		LockStore:          strings.ToLower(getEnv("LOCK_STORE", "badger")),
		LockStorePath:      getEnv("LOCK_STORE_PATH", "./data/coordination"),
		LockTTLMs:          getEnvInt("LOCK_TTL_MS", 5000),
		CooldownSeconds:    getEnvInt("COOLDOWN_SECONDS", 0),
		LockDegradedPolicy: strings.ToLower(getEnv("LOCK_DEGRADED_POLICY", "allow")),

		ReconcileAttempts:   getEnvInt("RECONCILE_ATTEMPTS", 3),
		ReconcileBackoffMs:  getEnvInt("RECONCILE_BACKOFF_MS", 250),
		ModifyRetryAttempts: getEnvInt("MODIFY_RETRY_ATTEMPTS", 2),

		ReconcileIntervalSec: getEnvInt("RECONCILE_INTERVAL_SEC", 300),

		PaperInitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000.0),
		PaperCurrency:       getEnv("PAPER_CURRENCY", "USD"),

		WireBaseURL:   getEnv("WIRE_BASE_URL", ""),
		WireStreamURL: getEnv("WIRE_STREAM_URL", ""),
		WireAPIKey:    os.Getenv("WIRE_API_KEY"),
		WireAPISecret: os.Getenv("WIRE_API_SECRET"),

		SimSpread:          getEnvFloat("SIM_SPREAD", 0),
		SimSlippageType:    strings.ToLower(getEnv("SIM_SLIPPAGE_TYPE", "fixed")),
		SimSlippageValue:   getEnvFloat("SIM_SLIPPAGE_VALUE", 0),
		SimCommissionType:  strings.ToLower(getEnv("SIM_COMMISSION_TYPE", "per_trade")),
		SimCommissionValue: getEnvFloat("SIM_COMMISSION_VALUE", 0),
		SimTieBreak:        strings.ToLower(getEnv("SIM_TIE_BREAK", "nearest_to_open")),

		HistoryDir:            getEnv("HISTORY_DIR", "./data/history"),
		BinanceUseTestnet:     getEnv("BINANCE_TESTNET", "false") == "true",
		DownloadRetryAttempts: getEnvInt("DOWNLOAD_RETRY_ATTEMPTS", 3),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
