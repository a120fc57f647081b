// Package config loads service settings from the environment and an optional
// .env file. Every key is read with the BANKCORE_ prefix.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"bankcore.org/internal/currency"
	"bankcore.org/internal/ledger"
)

const (
	envPrefix      = "BANKCORE"
	maxLockRetries = 10
)

// Config holds the runtime settings of cmd/api.
type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	PGDSN          string
	RedisAddr      string
	RabbitMQURL    string
	EventsExchange string
	AuthSecret     string
	AuthIssuer     string
	LockTimeout    time.Duration
	LockRetries    int
	LockBackoff    time.Duration
	RateBurst      int
	RatePerSec     int
	LogLevel       string
	Policy         ledger.Policy
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9091")
	v.SetDefault("PG_DSN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("RABBITMQ_URL", "")
	v.SetDefault("EVENTS_EXCHANGE", "bankcore.ledger")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("AUTH_ISSUER", "bankcore")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("LOCK_RETRIES", 2)
	v.SetDefault("LOCK_BACKOFF", "25ms")
	v.SetDefault("RATE_BURST", 50)
	v.SetDefault("RATE_PER_SEC", 20)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BASE_CURRENCY", string(currency.Base))
	v.SetDefault("OPERATION_CEILING", "30000")
	v.SetDefault("DEPOSIT_CEILING", "30000")
	v.SetDefault("BONUS_THRESHOLD", "1000000")
	v.SetDefault("BONUS_AMOUNT", "2000")
	v.SetDefault("CREDIT_DEBT_FLOOR", "-20000")
}

// Load reads dir/.env when present, then the environment. Environment
// variables win over the file.
func Load(dir string) (Config, error) {
	if dir != "" {
		if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		HTTPAddr:       v.GetString("HTTP_ADDR"),
		GRPCAddr:       v.GetString("GRPC_ADDR"),
		PGDSN:          v.GetString("PG_DSN"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		RabbitMQURL:    v.GetString("RABBITMQ_URL"),
		EventsExchange: v.GetString("EVENTS_EXCHANGE"),
		AuthSecret:     v.GetString("AUTH_SECRET"),
		AuthIssuer:     v.GetString("AUTH_ISSUER"),
		LockTimeout:    v.GetDuration("LOCK_TIMEOUT"),
		LockRetries:    v.GetInt("LOCK_RETRIES"),
		LockBackoff:    v.GetDuration("LOCK_BACKOFF"),
		RateBurst:      v.GetInt("RATE_BURST"),
		RatePerSec:     v.GetInt("RATE_PER_SEC"),
		LogLevel:       v.GetString("LOG_LEVEL"),
	}

	policy, err := loadPolicy(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy
	return cfg, cfg.Validate()
}

func loadPolicy(v *viper.Viper) (ledger.Policy, error) {
	base, err := currency.Parse(v.GetString("BASE_CURRENCY"))
	if err != nil {
		return ledger.Policy{}, fmt.Errorf("BASE_CURRENCY: %w", err)
	}
	p := ledger.Policy{BaseCurrency: base}
	fields := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"OPERATION_CEILING", &p.OperationCeiling},
		{"DEPOSIT_CEILING", &p.DepositCeiling},
		{"BONUS_THRESHOLD", &p.BonusThreshold},
		{"BONUS_AMOUNT", &p.BonusAmount},
		{"CREDIT_DEBT_FLOOR", &p.CreditDebtFloor},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(f.key)))
		if err != nil {
			return ledger.Policy{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = d
	}
	return p, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.LockRetries < 0 || c.LockRetries > maxLockRetries {
		errs = append(errs, fmt.Errorf("LOCK_RETRIES must be between 0 and %d", maxLockRetries))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("RATE_BURST and RATE_PER_SEC must be positive"))
	}
	if c.Policy.OperationCeiling.IsNegative() || c.Policy.DepositCeiling.IsNegative() {
		errs = append(errs, errors.New("ceilings must not be negative"))
	}
	if c.Policy.BonusAmount.IsNegative() {
		errs = append(errs, errors.New("BONUS_AMOUNT must not be negative"))
	}
	return errors.Join(errs...)
}
