package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the process configuration, read from the environment after an
// optional .env file has been loaded.
type Config struct {
	HTTPAddr string

	Database Database

	KafkaBrokers     []string // empty disables event publishing
	KafkaTopicPrefix string

	IdempotencyTTL   time.Duration
	WriteTimeout     time.Duration
	ReconcileEpsilon decimal.Decimal
	SnapshotWorkers  int
	Currency         string // display only; amounts are always minor units

	LogLevel  string
	LogFormat string
	LogDev    bool
}

// Database mirrors postgres.Config without importing the storage layer.
type Database struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Load reads the given .env files (".env" when none are named), ignoring
// missing ones, then builds the configuration from the process environment.
// Variables already set in the environment win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds the configuration from a lookup function such as os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}

	cfg := Config{
		HTTPAddr: r.str("HTTP_ADDR", ":8080"),
		Database: Database{
			URL:             r.str("DATABASE_URL", ""),
			Host:            r.str("POSTGRES_HOST", "localhost"),
			Port:            r.int("POSTGRES_PORT", 5432),
			User:            r.str("POSTGRES_USER", "postgres"),
			Password:        r.str("POSTGRES_PASSWORD", "postgres"),
			Name:            r.str("POSTGRES_DB", "finance_ledger"),
			SSLMode:         r.str("POSTGRES_SSLMODE", "disable"),
			MaxOpenConns:    r.int("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    r.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: r.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		KafkaBrokers:     r.list("KAFKA_BROKERS"),
		KafkaTopicPrefix: r.str("KAFKA_TOPIC_PREFIX", "finance-ledger"),
		IdempotencyTTL:   r.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		WriteTimeout:     r.duration("WRITE_TIMEOUT", 10*time.Second),
		ReconcileEpsilon: r.decimal("RECONCILE_EPSILON", decimal.Zero),
		SnapshotWorkers:  r.int("SNAPSHOT_WORKERS", 4),
		Currency:         strings.ToUpper(r.str("CURRENCY", "USD")),
		LogLevel:         r.str("LOG_LEVEL", "info"),
		LogFormat:        r.str("LOG_FORMAT", "json"),
		LogDev:           r.bool("LOG_DEV", false),
	}

	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges that the parsers cannot.
func (c Config) Validate() error {
	var errs []error
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("WRITE_TIMEOUT must be positive"))
	}
	if c.SnapshotWorkers <= 0 {
		errs = append(errs, errors.New("SNAPSHOT_WORKERS must be positive"))
	}
	if c.ReconcileEpsilon.IsNegative() {
		errs = append(errs, errors.New("RECONCILE_EPSILON must not be negative"))
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS must be positive"))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
