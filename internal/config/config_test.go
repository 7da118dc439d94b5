package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.NotEmpty(t, cfg.Storage.DataDir)
	assert.Equal(t, "json", cfg.Storage.StatusBackend)
	assert.Equal(t, 60*time.Second, cfg.Storage.StatusTTL)
	assert.Positive(t, cfg.Sync.ChunkSize)
	assert.Equal(t, 3, cfg.GC.MaxConcurrent)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "missing data dir",
			modify: func(c *config.Config) {
				c.Storage.DataDir = ""
			},
			wantErr: "storage.data_dir is required",
		},
		{
			name: "unknown status backend",
			modify: func(c *config.Config) {
				c.Storage.StatusBackend = "redis"
			},
			wantErr: "invalid status backend",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "zero gc concurrency",
			modify: func(c *config.Config) {
				c.GC.MaxConcurrent = 0
			},
			wantErr: "gc.max_concurrent must be positive",
		},
		{
			name: "s3 without bucket",
			modify: func(c *config.Config) {
				c.Remote.Kind = "s3"
			},
			wantErr: "remote.s3.bucket is required",
		},
		{
			name: "s3 part size too small",
			modify: func(c *config.Config) {
				c.Remote.Kind = "s3"
				c.Remote.S3.Bucket = "b"
				c.Remote.S3.PartSize = 1024
			},
			wantErr: "remote.s3.part_size must be at least",
		},
		{
			name: "s3 chunk below part size",
			modify: func(c *config.Config) {
				c.Remote.Kind = "s3"
				c.Remote.S3.Bucket = "b"
				c.Sync.ChunkSize = config.S3MinPartSize
				c.Remote.S3.PartSize = 2 * config.S3MinPartSize
			},
			wantErr: "sync.chunk_size must not be below",
		},
		{
			name: "unknown remote",
			modify: func(c *config.Config) {
				c.Remote.Kind = "ftp"
			},
			wantErr: "invalid remote kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OBJSYNC_REMOTE_BASE_URL", "https://test.example.com")
	t.Setenv("OBJSYNC_REMOTE_TIMEOUT", "45s")
	t.Setenv("OBJSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("OBJSYNC_GC_MAX_CONCURRENT", "5")
	t.Setenv("OBJSYNC_STORAGE_STATUS_BACKEND", "sqlite")

	loader := config.NewLoader("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://test.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.GC.MaxConcurrent)
	assert.Equal(t, "sqlite", cfg.Storage.StatusBackend)
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.json")

	configJSON := `{
		"remote": {
			"base_url": "https://file.example.com"
		},
		"storage": {
			"status_ttl": "2m"
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`

	err := os.WriteFile(configPath, []byte(configJSON), 0644)
	require.NoError(t, err)

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Storage.StatusTTL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	// untouched keys keep their defaults
	assert.Equal(t, int64(8*1024*1024), cfg.Sync.ChunkSize)
}

func TestLoaderMissingFile(t *testing.T) {
	loader := config.NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	_, err := loader.Load()
	assert.Error(t, err)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	err := cfg.EnsureDirectories()
	require.NoError(t, err)

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, cfg.ObjsDir())
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}
