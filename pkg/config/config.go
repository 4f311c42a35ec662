package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Database drivers accepted by DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Price sources accepted by PRICE_SOURCE.
const (
	PriceSim    = "sim"
	PriceHTTP   = "http"
	PriceAlpaca = "alpaca"
)

// Config holds environment-driven settings for the settlement engine.
type Config struct {
	Port     string
	GRPCAddr string // empty disables the gRPC listener
	// GRPCTrustUserHeader accepts x-user-id from gRPC callers that carry no
	// bearer token. Only for listeners reachable by trusted services.
	GRPCTrustUserHeader bool

	// Database
	DBDriver    string
	DBPath      string
	DatabaseURL string

	// Accounts
	StartingBalance decimal.Decimal

	// Prices
	PriceSource     string
	PriceHTTPURL    string
	PriceRPS        int
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaDataURL   string
	PriceMaxAge     time.Duration
	InstrumentsFile string // empty uses the built-in catalog

	// Background loops
	TickInterval      time.Duration
	MarkInterval      time.Duration
	ReconcileInterval time.Duration // 0 disables

	// Auth
	JWTSecret string

	// Logging / localization
	LogLevel string
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var errs []error
	balance, err := getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(100000))
	errs = append(errs, err)
	maxAge, err := getEnvDuration("PRICE_MAX_AGE", 5*time.Second)
	errs = append(errs, err)
	tick, err := getEnvDuration("TICK_INTERVAL", time.Second)
	errs = append(errs, err)
	mark, err := getEnvDuration("MARK_INTERVAL", time.Second)
	errs = append(errs, err)
	recon, err := getEnvDuration("RECONCILE_INTERVAL", time.Minute)
	errs = append(errs, err)

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		GRPCAddr:            os.Getenv("GRPC_ADDR"),
		DBDriver:            strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBPath:              getEnv("DB_PATH", "./data/papertrade.db"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StartingBalance:     balance,
		PriceSource:         strings.ToLower(getEnv("PRICE_SOURCE", PriceSim)),
		PriceHTTPURL:        os.Getenv("PRICE_HTTP_URL"),
		PriceRPS:            getEnvInt("PRICE_RPS", 20),
		AlpacaAPIKey:        os.Getenv("ALPACA_API_KEY"),
		AlpacaAPISecret:     os.Getenv("ALPACA_API_SECRET"),
		AlpacaDataURL:       os.Getenv("ALPACA_DATA_URL"),
		PriceMaxAge:         maxAge,
		InstrumentsFile:     os.Getenv("INSTRUMENTS_FILE"),
		TickInterval:        tick,
		MarkInterval:        mark,
		ReconcileInterval:   recon,
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		GRPCTrustUserHeader: getEnvBool("GRPC_TRUST_USER_HEADER", false),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Language:            getEnv("LANGUAGE", "en"),
	}
	if _, ok := os.LookupEnv("GRPC_ADDR"); !ok {
		cfg.GRPCAddr = "127.0.0.1:9090"
	}

	errs = append(errs, cfg.Validate())
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q: want sqlite, postgres or memory", c.DBDriver))
	}
	switch c.PriceSource {
	case PriceSim:
	case PriceHTTP:
		if c.PriceHTTPURL == "" {
			errs = append(errs, errors.New("PRICE_HTTP_URL is required for the http price source"))
		}
	case PriceAlpaca:
		if c.AlpacaAPIKey == "" || c.AlpacaAPISecret == "" {
			errs = append(errs, errors.New("ALPACA_API_KEY and ALPACA_API_SECRET are required for the alpaca price source"))
		}
	default:
		errs = append(errs, fmt.Errorf("PRICE_SOURCE %q: want sim, http or alpaca", c.PriceSource))
	}
	if !c.StartingBalance.IsPositive() {
		errs = append(errs, errors.New("STARTING_BALANCE must be positive"))
	}
	if c.TickInterval <= 0 || c.MarkInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL and MARK_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == DriverPostgres {
		return c.DatabaseURL
	}
	return c.DBPath
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvDecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
