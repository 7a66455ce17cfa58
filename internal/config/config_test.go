package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Production.BatchIDAttempts)
	assert.Equal(t, "RP", cfg.Production.RepackagingPrefix)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  host: db.internal
  dbname: factory
api:
  port: 9090
  read_timeout: 5s
production:
  batch_id_attempts: 3
  repackaging_prefix: KW
redis:
  enabled: true
  addr: redis:6379
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "factory", cfg.Database.DBName)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 5*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, 3, cfg.Production.BatchIDAttempts)
	assert.Equal(t, "KW", cfg.Production.RepackagingPrefix)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DB_PORT", "6543")
	t.Setenv("PRODUCTION_DEFAULT_WORKER", "line-a")
	t.Setenv("PRODUCTION_DAY_CLOSE_LOCK_TTL", "2m")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("API_PORT", "not-a-number")

	cfg := Default()
	cfg.applyEnv()

	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "line-a", cfg.Production.DefaultWorker)
	assert.Equal(t, 2*time.Minute, cfg.Production.DayCloseLockTTL)
	assert.True(t, cfg.Redis.Enabled)
	// 解析できない値はデフォルトのまま
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Database.Host = "" }},
		{"bad db port", func(c *Config) { c.Database.Port = 70000 }},
		{"bad api port", func(c *Config) { c.API.Port = 0 }},
		{"no attempts", func(c *Config) { c.Production.BatchIDAttempts = 0 }},
		{"empty prefix", func(c *Config) { c.Production.RepackagingPrefix = "" }},
		{"zero lock ttl", func(c *Config) { c.Production.DayCloseLockTTL = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.Password = "secret"
	assert.Equal(t,
		"host=localhost port=5432 user=production password=secret dbname=production_db sslmode=disable",
		cfg.DSN())
}

func TestProductionConfig_Core(t *testing.T) {
	core := Default().Production.Core()
	assert.Equal(t, 5, core.BatchIDAttempts)
	assert.Equal(t, "RP", core.RepackagingPrefix)
	assert.Equal(t, time.Minute, core.DayCloseLockTTL)
	assert.Equal(t, "system", core.DefaultWorker)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
