package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config is the flat process configuration. Unknown env keys are ignored;
// required keys for an enabled back-end are validated in Load.
type Config struct {
	Version string

	// Document provider
	ProviderURL   string
	ProviderToken string

	// Encryption + HTTP surface
	MasterKey     string
	HTTPPort      int
	PublicBaseURL string

	// Storage
	DBPath string

	// Poll intervals (seconds)
	PollIntervalSec      int
	ExecutorIntervalSec  int
	SchedulerIntervalSec int
	OracleIntervalSec    int
	BalancesIntervalSec  int
	AdvisorIntervalSec   int

	// Back-end enable flags and endpoints
	YellowEnabled      bool
	YellowEndpoint     string
	ManagedRailEnabled bool
	OrderBookPoolKey   string
	PolicyResolverURL  string

	// Behaviour toggles
	CellApprovalEnabled bool

	// Logging
	MaxLogSizeMB  int64
	MaxLogBackups int
}

// Load reads a .env file when present, validates required keys, and returns
// the typed configuration. Missing required keys are fatal.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	cfg := &Config{
		ProviderURL:   os.Getenv("DOC_PROVIDER_URL"),
		ProviderToken: os.Getenv("DOC_PROVIDER_TOKEN"),
		MasterKey:     os.Getenv("MASTER_KEY"),
		HTTPPort:      getEnvAsInt("HTTP_PORT", 8080),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DBPath:        getEnv("DB_PATH", "treasury.db"),

		PollIntervalSec:      getEnvAsInt("POLL_INTERVAL_SEC", 5),
		ExecutorIntervalSec:  getEnvAsInt("EXECUTOR_INTERVAL_SEC", 5),
		SchedulerIntervalSec: getEnvAsInt("SCHEDULER_INTERVAL_SEC", 5),
		OracleIntervalSec:    getEnvAsInt("ORACLE_INTERVAL_SEC", 30),
		BalancesIntervalSec:  getEnvAsInt("BALANCES_INTERVAL_SEC", 60),
		AdvisorIntervalSec:   getEnvAsInt("ADVISOR_INTERVAL_SEC", 60),

		YellowEnabled:      getEnvAsBool("YELLOW_ENABLED", false),
		YellowEndpoint:     os.Getenv("YELLOW_ENDPOINT"),
		ManagedRailEnabled: getEnvAsBool("MANAGED_RAIL_ENABLED", false),
		OrderBookPoolKey:   getEnv("ORDER_BOOK_POOL_KEY", "SUI_USDC"),
		PolicyResolverURL:  os.Getenv("POLICY_RESOLVER_URL"),

		CellApprovalEnabled: getEnvAsBool("CELL_APPROVAL_ENABLED", false),

		MaxLogSizeMB:  int64(getEnvAsInt("MAX_LOG_SIZE_MB", 10)),
		MaxLogBackups: getEnvAsInt("MAX_LOG_BACKUPS", 3),
	}

	required := map[string]string{
		"DOC_PROVIDER_URL":   cfg.ProviderURL,
		"DOC_PROVIDER_TOKEN": cfg.ProviderToken,
		"MASTER_KEY":         cfg.MasterKey,
	}
	if cfg.YellowEnabled {
		required["YELLOW_ENDPOINT"] = cfg.YellowEndpoint
	}

	var missing []string
	for key, val := range required {
		if val == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		log.Fatalf("CRITICAL: Missing required environment variables: %v", missing)
	}

	dumpEnv(required)
	return cfg
}

// dumpEnv logs the .env contents at startup, masking secret values.
func dumpEnv(secret map[string]string) {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	log.Println("--- .env File Variables ---")
	for key, val := range envMap {
		if _, isSecret := secret[key]; isSecret {
			masked := "***"
			if len(val) > 4 {
				masked = "***" + val[len(val)-4:]
			}
			log.Printf("%s=%s", key, masked)
		} else {
			log.Printf("%s=%s", key, val)
		}
	}
	log.Println("---------------------------")
}
