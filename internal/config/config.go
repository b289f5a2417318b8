package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type APIConfig struct {
	Addr         string
	DatabaseURL  string
	DBMaxConns   int
	DBMinConns   int
	RelayURL     string
	RelayTimeout time.Duration

	DefaultMaxRound    int
	DefaultFluctuation time.Duration
	DefaultVolatility  string
	DefaultStartMoney  int64
	DefaultSessionTTL  time.Duration
	WorkerTickEvery    time.Duration
	WorkerRunOnce      bool
	RestoreOnStartup   bool
}

type CLIConfig struct {
	APIBaseURL string
}

// LoadAPIFromEnv reads server configuration from the environment, with a
// tolerated-failure .env preload. DATABASE_URL and RELAY_URL are both
// optional: without a database the engine runs memory-only, and without
// a relay registrations are always admitted directly.
func LoadAPIFromEnv() (APIConfig, error) {
	_ = godotenv.Load()

	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("STOCKPARTY_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:               addr,
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:         envIntDefault("STOCKPARTY_DB_MAX_CONNS", 8),
		DBMinConns:         envIntDefault("STOCKPARTY_DB_MIN_CONNS", 1),
		RelayURL:           strings.TrimRight(strings.TrimSpace(os.Getenv("STOCKPARTY_RELAY_URL")), "/"),
		RelayTimeout:       envDurationDefault("STOCKPARTY_RELAY_TIMEOUT", 5*time.Second),
		DefaultMaxRound:    envIntDefault("STOCKPARTY_MAX_ROUND", 10),
		DefaultFluctuation: envDurationDefault("STOCKPARTY_FLUCTUATION_EVERY", 5*time.Minute),
		DefaultVolatility:  envVolatilityDefault(),
		DefaultStartMoney:  envInt64Default("STOCKPARTY_START_MONEY", 1_000_000),
		DefaultSessionTTL:  envDurationDefault("STOCKPARTY_SESSION_TTL", 6*time.Hour),
		WorkerTickEvery:    envDurationDefault("STOCKPARTY_WORKER_TICK_EVERY", 5*time.Second),
		WorkerRunOnce:      envBoolDefault("STOCKPARTY_WORKER_RUN_ONCE", false),
		RestoreOnStartup:   envBoolDefault("STOCKPARTY_RESTORE_ON_STARTUP", true),
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	_ = godotenv.Load()
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("SPK_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Default(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envVolatilityDefault() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STOCKPARTY_VOLATILITY")))
	switch v {
	case "calm", "mor", "wild":
		return v
	default:
		return "mor"
	}
}
