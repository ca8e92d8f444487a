package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "PLATFORM_FEE_BPS", "DEADLINE_SWEEP_INTERVAL", "RECONCILE_INTERVAL", "CUSTODY_PRIVATE_KEY", "TOKEN_CONTRACTS", "RPC_URL"} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultPlatformFeeBps), cfg.PlatformFeeBps)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultReconcile, cfg.ReconcileInterval)
	assert.False(t, cfg.ChainEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_BPS", "250")
	setEnv(t, "DEADLINE_SWEEP_INTERVAL", "1m")
	setEnv(t, "TOKEN_CONTRACTS", "0xaaa, 0xbbb")
	setEnv(t, "RPC_URL", "https://sepolia.base.org")
	setEnv(t, "CUSTODY_PRIVATE_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(250), cfg.PlatformFeeBps)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, cfg.TokenContracts)
}

func TestConfig_Validate(t *testing.T) {
	validKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "custodial only",
			config:  Config{PlatformFeeBps: 100, SweepInterval: 30 * time.Second, ReconcileInterval: time.Minute},
			wantErr: "",
		},
		{
			name: "chain configured",
			config: Config{
				PlatformFeeBps:    100,
				SweepInterval:     30 * time.Second,
				ReconcileInterval: time.Minute,
				CustodyPrivateKey: "0x" + validKey,
				RPCURL:            "https://sepolia.base.org",
			},
			wantErr: "",
		},
		{
			name:    "fee above ceiling",
			config:  Config{PlatformFeeBps: 1001, SweepInterval: 30 * time.Second, ReconcileInterval: time.Minute},
			wantErr: "PLATFORM_FEE_BPS",
		},
		{
			name:    "negative fee",
			config:  Config{PlatformFeeBps: -1, SweepInterval: 30 * time.Second, ReconcileInterval: time.Minute},
			wantErr: "PLATFORM_FEE_BPS",
		},
		{
			name:    "sweep interval too small",
			config:  Config{PlatformFeeBps: 100, SweepInterval: 100 * time.Millisecond, ReconcileInterval: time.Minute},
			wantErr: "DEADLINE_SWEEP_INTERVAL",
		},
		{
			name:    "reconcile interval too small",
			config:  Config{PlatformFeeBps: 100, SweepInterval: 30 * time.Second, ReconcileInterval: 10 * time.Millisecond},
			wantErr: "RECONCILE_INTERVAL",
		},
		{
			name: "malformed private key",
			config: Config{
				PlatformFeeBps:    100,
				SweepInterval:     30 * time.Second,
				ReconcileInterval: time.Minute,
				CustodyPrivateKey: "abc123",
				RPCURL:            "https://sepolia.base.org",
			},
			wantErr: "64 hex characters",
		},
		{
			name: "key without rpc",
			config: Config{
				PlatformFeeBps:    100,
				SweepInterval:     30 * time.Second,
				ReconcileInterval: time.Minute,
				CustodyPrivateKey: validKey,
			},
			wantErr: "RPC_URL is required",
		},
		{
			name: "watched tokens without rpc",
			config: Config{
				PlatformFeeBps:    100,
				SweepInterval:     30 * time.Second,
				ReconcileInterval: time.Minute,
				TokenContracts:    []string{"0xabc"},
			},
			wantErr: "RPC_URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_DUR_DAYS", "7d")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, 7*24*time.Hour, getEnvDuration("TEST_DUR_DAYS", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_BAD", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_UNSET", time.Second))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", "a, b,,c ")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("TEST_LIST_UNSET"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
