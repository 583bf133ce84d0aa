package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
database:
  dsn: postgres://localhost/custody
blockchain:
  tokenContract: "0x0000000000000000000000000000000000000001"
deposits:
  tierAmounts:
    1: 10
    2: 50
`

func TestLoadConfigMinimal(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/custody", cfg.Database.DSN)
	assert.Equal(t, 10.0, cfg.Deposits.TierAmounts[1])
	assert.Equal(t, 50.0, cfg.Deposits.TierAmounts[2])
}

func TestLoadConfigRequiresDSN(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
blockchain:
  tokenContract: "0x0000000000000000000000000000000000000001"
`))
	assert.Error(t, err)
}

func TestLoadConfigRequiresTokenContract(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
database:
  dsn: postgres://localhost/custody
`))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://override/db")
	t.Setenv("CHAIN_RPC_URL", "https://rpc.example")
	t.Setenv("ADMIN_JWT_SECRET", "shh")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres://override/db", cfg.Database.DSN)
	assert.Equal(t, "https://rpc.example", cfg.Blockchain.RPCEndpoint)
	assert.Equal(t, "shh", cfg.Admin.JWTSecret)
}

func TestDurationDefaults(t *testing.T) {
	d := &DepositConfig{}
	assert.Equal(t, 60*time.Second, d.SweepIntervalDuration())
	assert.Equal(t, 24*time.Hour, d.TimeoutDuration())
	assert.Equal(t, 72*time.Hour, d.RecoveryLookback())
	assert.Equal(t, 5*time.Minute, d.CatchupCooldownDuration())

	d = &DepositConfig{SweepInterval: 10, TimeoutHours: 48, RecoveryLookbackHrs: 24, CatchupCooldown: 60}
	assert.Equal(t, 10*time.Second, d.SweepIntervalDuration())
	assert.Equal(t, 48*time.Hour, d.TimeoutDuration())
	assert.Equal(t, 24*time.Hour, d.RecoveryLookback())
	assert.Equal(t, time.Minute, d.CatchupCooldownDuration())
}
