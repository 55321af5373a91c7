package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "keeper"
log_level = "debug"

[storage]
driver = "sqlite"

[sqlite]
path = "/var/lib/oraclepool/db.sqlite"

[oracle]
default_endpoint = "https://oracle.example.com"
timeout = "5s"
allowed_signers = ["0x70997970C51812dc3A010C7d01b50e0d17dc79C8"]

[keeper]
interval = "10s"
batch_size = 25
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/oraclepool/db.sqlite", cfg.SQLite.Path)
	assert.Equal(t, 5*time.Second, cfg.Oracle.Timeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.Keeper.Interval.Duration)
	assert.Equal(t, 25, cfg.Keeper.BatchSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.True(t, cfg.Oracle.VerifySignatures)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ORACLEPOOL_MODE", "server")
	t.Setenv("ORACLEPOOL_SERVER_PORT", "9090")
	t.Setenv("ORACLEPOOL_REDIS_ENABLED", "false")
	t.Setenv("ORACLEPOOL_KEEPER_INTERVAL", "1m")
	t.Setenv("ORACLEPOOL_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, time.Minute, cfg.Keeper.Interval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(writeConfig(t, "mode = [unterminated"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Storage.Driver = "mysql"
	cfg.Oracle.DefaultEndpoint = "ftp://oracle"
	cfg.Oracle.AllowedSigners = []string{"nope"}
	cfg.Notify.Events = []string{"resolved", "exploded"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown driver "mysql"`,
		"default_endpoint",
		`allowed_signers entry "nope"`,
		`unknown event "exploded"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())

	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""
	assert.ErrorContains(t, cfg.Validate(), "s3: bucket")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "operator"
	cfg.Notify.TelegramToken = ""

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "", out.Notify.TelegramToken)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
