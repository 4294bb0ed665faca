package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "IDR", cfg.Checkout.Currency)
	assert.Equal(t, 10*time.Second, cfg.Payment.Timeout)
	assert.Equal(t, time.Minute, cfg.Worker.SweepInterval)
	assert.Equal(t, "0.01", cfg.CheckoutService().PriceTolerance.String())
	assert.Equal(t, 10*time.Second, cfg.Reconcile().ProviderTimeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "racereg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
store:
  driver: memory
payment:
  secret_key: from-file
  timeout: 3s
checkout:
  success_url: https://race.example.com/done/{registration_id}
worker:
  stale_after: 30m
`), 0o600))

	t.Setenv("RACEREG_PAYMENT_SECRET_KEY", "from-env")
	t.Setenv("RACEREG_PAYMENT_CALLBACK_TOKEN", "whsec")
	t.Setenv("RACEREG_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "from-env", cfg.Payment.SecretKey)
	assert.Equal(t, "whsec", cfg.Payment.Client().CallbackToken)
	assert.Equal(t, 3*time.Second, cfg.Payment.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile().StaleAfter)
	assert.Equal(t, "https://race.example.com/done/{registration_id}", cfg.CheckoutService().SuccessURL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"no provider", func(c *Config) { c.Payment.BaseURL = "" }, "payment.base_url"},
		{"zero timeout", func(c *Config) { c.Payment.Timeout = 0 }, "payment.timeout"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad tolerance", func(c *Config) { c.Checkout.PriceTolerance = "-1" }, "price_tolerance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
