package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. OBJSYNC_LOG_LEVEL.
const EnvPrefix = "OBJSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		configPath: configPath,
		v:          v,
	}
}

// Viper exposes the underlying instance so the CLI can bind flags to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigPath returns the file the config was read from, if any.
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// Load reads configuration from defaults, file and environment.
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v, DefaultConfig())

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				l.v.SetConfigFile(path)
				if err := l.v.ReadInConfig(); err != nil {
					var notFound viper.ConfigFileNotFoundError
					if errors.As(err, &notFound) {
						continue
					}
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"objsync.json",
		"objsync.yaml",
		".objsync.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "objsync", "config.json"),
			filepath.Join(homeDir, ".objsync", "config.json"),
		)
	}

	return paths
}

// setDefaults registers every key so that AutomaticEnv can see it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.status_backend", cfg.Storage.StatusBackend)
	v.SetDefault("storage.status_ttl", cfg.Storage.StatusTTL)
	v.SetDefault("storage.max_folders", cfg.Storage.MaxFolders)
	v.SetDefault("storage.rotation_interval", cfg.Storage.RotationInterval)

	v.SetDefault("sync.chunk_size", cfg.Sync.ChunkSize)
	v.SetDefault("sync.read_chunk_size", cfg.Sync.ReadChunkSize)
	v.SetDefault("sync.offline_initial_backoff", cfg.Sync.OfflineInitialBackoff)
	v.SetDefault("sync.offline_max_backoff", cfg.Sync.OfflineMaxBackoff)
	v.SetDefault("sync.transaction_retry_delay", cfg.Sync.TransactionRetryDelay)
	v.SetDefault("sync.proc_idle_ttl", cfg.Sync.ProcIdleTTL)

	v.SetDefault("gc.delay", cfg.GC.Delay)
	v.SetDefault("gc.max_concurrent", cfg.GC.MaxConcurrent)

	v.SetDefault("remote.kind", cfg.Remote.Kind)
	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.events_url", cfg.Remote.EventsURL)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.max_retries", cfg.Remote.MaxRetries)
	v.SetDefault("remote.user_agent", cfg.Remote.UserAgent)
	v.SetDefault("remote.token", cfg.Remote.Token)
	v.SetDefault("remote.s3.bucket", cfg.Remote.S3.Bucket)
	v.SetDefault("remote.s3.prefix", cfg.Remote.S3.Prefix)
	v.SetDefault("remote.s3.region", cfg.Remote.S3.Region)
	v.SetDefault("remote.s3.endpoint", cfg.Remote.S3.Endpoint)
	v.SetDefault("remote.s3.access_key", cfg.Remote.S3.AccessKey)
	v.SetDefault("remote.s3.secret_key", cfg.Remote.S3.SecretKey)
	v.SetDefault("remote.s3.part_size", cfg.Remote.S3.PartSize)
	v.SetDefault("remote.s3.use_path_style", cfg.Remote.S3.UsePathStyle)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size", cfg.Log.MaxSize)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age", cfg.Log.MaxAge)
	v.SetDefault("log.color", cfg.Log.Color)
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
