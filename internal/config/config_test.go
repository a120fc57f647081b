package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankcore.org/internal/currency"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9091", cfg.GRPCAddr)
	assert.Equal(t, "bankcore.ledger", cfg.EventsExchange)
	assert.Equal(t, "bankcore", cfg.AuthIssuer)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, 2, cfg.LockRetries)
	assert.Equal(t, 50, cfg.RateBurst)
	assert.Equal(t, 20, cfg.RatePerSec)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, currency.RUB, cfg.Policy.BaseCurrency)
	assert.True(t, cfg.Policy.OperationCeiling.Equal(decimal.NewFromInt(30000)))
	assert.True(t, cfg.Policy.DepositCeiling.Equal(decimal.NewFromInt(30000)))
	assert.True(t, cfg.Policy.BonusThreshold.Equal(decimal.NewFromInt(1000000)))
	assert.True(t, cfg.Policy.BonusAmount.Equal(decimal.NewFromInt(2000)))
	assert.True(t, cfg.Policy.CreditDebtFloor.Equal(decimal.NewFromInt(-20000)))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BANKCORE_HTTP_ADDR", ":9000")
	t.Setenv("BANKCORE_LOCK_TIMEOUT", "750ms")
	t.Setenv("BANKCORE_DEPOSIT_CEILING", "0")
	t.Setenv("BANKCORE_CREDIT_DEBT_FLOOR", "-15000.50")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.True(t, cfg.Policy.DepositCeiling.IsZero())
	assert.True(t, cfg.Policy.CreditDebtFloor.Equal(decimal.RequireFromString("-15000.50")))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("BANKCORE_PG_DSN=postgres://local/bank\nBANKCORE_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("BANKCORE_PG_DSN")
		_ = os.Unsetenv("BANKCORE_LOG_LEVEL")
	})
	t.Setenv("BANKCORE_LOG_LEVEL", "warn")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://local/bank", cfg.PGDSN)
	assert.Equal(t, "warn", cfg.LogLevel, "environment wins over .env")
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BANKCORE_BONUS_AMOUNT", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "BONUS_AMOUNT")
}

func TestLoadRejectsUnknownBaseCurrency(t *testing.T) {
	t.Setenv("BANKCORE_BASE_CURRENCY", "XYZ")
	_, err := Load("")
	assert.ErrorIs(t, err, currency.ErrUnknown)
}

func TestValidate(t *testing.T) {
	t.Setenv("BANKCORE_LOCK_TIMEOUT", "0s")
	t.Setenv("BANKCORE_RATE_BURST", "0")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TIMEOUT")
	assert.Contains(t, err.Error(), "RATE_BURST")
}

func TestValidateBoundsLockRetries(t *testing.T) {
	t.Setenv("BANKCORE_LOCK_RETRIES", "64")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_RETRIES")

	t.Setenv("BANKCORE_LOCK_RETRIES", "10")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.LockRetries)
}
