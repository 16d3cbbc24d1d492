package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr          string
	Store             string
	DBDSN             string
	JWTIssuer         string
	JWTSecret         string
	JWTTTL            time.Duration
	InternalToken     string
	AdminUsername     string
	AdminPasswordHash string
	WebSocketOrigin   string
	LogLevel          string
	MetricsAddr       string

	SweepInterval        time.Duration
	SweepConcurrency     int
	StopOutLevel         decimal.Decimal
	QuoteMaxAge          time.Duration
	QuoteTimeout         time.Duration
	QuoteFallbackSymbols []string
	QuoteFallbackMaxAge  time.Duration
	SimFeed              bool

	TradingSettingsFile string
	JournalPath         string
	NATSURL             string
}

func Load() (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.Store = strings.ToLower(strings.TrimSpace(os.Getenv("STORE")))
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.Store != StoreMemory && c.Store != StorePostgres {
		return c, errors.New("invalid STORE: use memory or postgres")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.Store == StorePostgres && c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = envOr("JWT_ISSUER", "propdesk")
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.AdminUsername = os.Getenv("ADMIN_USERNAME")
	c.AdminPasswordHash = os.Getenv("ADMIN_PASSWORD_HASH")
	if c.AdminUsername != "" && c.AdminPasswordHash == "" {
		missing = append(missing, "ADMIN_PASSWORD_HASH")
	}
	c.WebSocketOrigin = envOr("WS_ORIGIN", "*")
	c.LogLevel = envOr("LOG_LEVEL", "info")
	c.MetricsAddr = os.Getenv("METRICS_ADDR")
	c.TradingSettingsFile = os.Getenv("TRADING_SETTINGS_FILE")
	c.JournalPath = os.Getenv("JOURNAL_PATH")
	c.NATSURL = os.Getenv("NATS_URL")

	var err error
	if c.JWTTTL, err = durationEnv("JWT_TTL", 24*time.Hour); err != nil {
		return c, err
	}
	if c.SweepInterval, err = durationEnv("SWEEP_INTERVAL", 2*time.Second); err != nil {
		return c, err
	}
	if c.QuoteMaxAge, err = durationEnv("QUOTE_MAX_AGE", 45*time.Second); err != nil {
		return c, err
	}
	if c.QuoteTimeout, err = durationEnv("QUOTE_TIMEOUT", 3*time.Second); err != nil {
		return c, err
	}
	if c.QuoteFallbackMaxAge, err = durationEnv("QUOTE_FALLBACK_MAX_AGE", 5*time.Minute); err != nil {
		return c, err
	}
	if c.SweepConcurrency, err = intEnv("SWEEP_CONCURRENCY", 8); err != nil {
		return c, err
	}
	if c.SimFeed, err = boolEnv("SIM_FEED", false); err != nil {
		return c, err
	}
	c.StopOutLevel = decimal.NewFromInt(50)
	if raw := strings.TrimSpace(os.Getenv("STOP_OUT_LEVEL")); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || !v.GreaterThan(decimal.Zero) {
			return c, errors.New("invalid STOP_OUT_LEVEL")
		}
		c.StopOutLevel = v
	}
	for _, s := range strings.Split(os.Getenv("QUOTE_FALLBACK_SYMBOLS"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			c.QuoteFallbackSymbols = append(c.QuoteFallbackSymbols, s)
		}
	}
	if c.SweepInterval <= 0 || c.QuoteTimeout <= 0 {
		return c, errors.New("SWEEP_INTERVAL and QUOTE_TIMEOUT must be positive")
	}
	if c.SweepConcurrency < 1 {
		return c, errors.New("SWEEP_CONCURRENCY must be at least 1")
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
