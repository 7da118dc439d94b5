package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Local object cache
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Upload/download pipeline behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Garbage collection of version files
	GC GCConfig `json:"gc" mapstructure:"gc"`

	// Remote object store
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// StorageConfig for the on-disk object cache.
type StorageConfig struct {
	DataDir          string        `json:"data_dir" mapstructure:"data_dir"`                   // Root of all object folders
	StatusBackend    string        `json:"status_backend" mapstructure:"status_backend"`       // json, sqlite
	StatusTTL        time.Duration `json:"status_ttl" mapstructure:"status_ttl"`               // In-memory status cache lifetime
	MaxFolders       int           `json:"max_folders" mapstructure:"max_folders"`             // Folder rotation bound (0 = unbounded)
	RotationInterval time.Duration `json:"rotation_interval" mapstructure:"rotation_interval"` // How often rotation runs
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	ChunkSize             int64         `json:"chunk_size" mapstructure:"chunk_size"`                           // Local cap on upload chunk size
	ReadChunkSize         int           `json:"read_chunk_size" mapstructure:"read_chunk_size"`                 // Source read size when absorbing writes
	OfflineInitialBackoff time.Duration `json:"offline_initial_backoff" mapstructure:"offline_initial_backoff"` // First wait after a connect failure
	OfflineMaxBackoff     time.Duration `json:"offline_max_backoff" mapstructure:"offline_max_backoff"`         // Ceiling for offline waits
	TransactionRetryDelay time.Duration `json:"transaction_retry_delay" mapstructure:"transaction_retry_delay"` // Wait before cancelling a clashing transaction
	ProcIdleTTL           time.Duration `json:"proc_idle_ttl" mapstructure:"proc_idle_ttl"`                     // Idle per-object procs are dropped after this
}

// GCConfig for the version garbage collector.
type GCConfig struct {
	Delay         time.Duration `json:"delay" mapstructure:"delay"`
	MaxConcurrent int           `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// RemoteConfig for server communication.
type RemoteConfig struct {
	Kind       string        `json:"kind" mapstructure:"kind"` // http, s3
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	EventsURL  string        `json:"events_url" mapstructure:"events_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`
	Token      string        `json:"token,omitempty" mapstructure:"token"`
	S3         S3Config      `json:"s3" mapstructure:"s3"`
}

// S3Config for the S3-backed remote.
type S3Config struct {
	Bucket       string `json:"bucket" mapstructure:"bucket"`
	Prefix       string `json:"prefix" mapstructure:"prefix"`
	Region       string `json:"region" mapstructure:"region"`
	Endpoint     string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey    string `json:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey    string `json:"secret_key,omitempty" mapstructure:"secret_key"`
	PartSize     int64  `json:"part_size" mapstructure:"part_size"`
	UsePathStyle bool   `json:"use_path_style" mapstructure:"use_path_style"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stdout)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Color      bool   `json:"color" mapstructure:"color"`             // Enable colored output
}

// S3MinPartSize is the smallest multipart part S3 accepts (except the last).
const S3MinPartSize = 5 * 1024 * 1024

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:          ".objsync",
			StatusBackend:    "json",
			StatusTTL:        60 * time.Second,
			MaxFolders:       0,
			RotationInterval: 10 * time.Minute,
		},
		Sync: SyncConfig{
			ChunkSize:             8 * 1024 * 1024,
			ReadChunkSize:         256 * 1024,
			OfflineInitialBackoff: 2 * time.Second,
			OfflineMaxBackoff:     2 * time.Minute,
			TransactionRetryDelay: 500 * time.Millisecond,
			ProcIdleTTL:           60 * time.Second,
		},
		GC: GCConfig{
			Delay:         20 * time.Millisecond,
			MaxConcurrent: 3,
		},
		Remote: RemoteConfig{
			Kind:       "http",
			BaseURL:    "http://localhost:8080",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "objsync/1.0",
			S3: S3Config{
				Prefix:   "objs/",
				Region:   "us-east-1",
				PartSize: 8 * 1024 * 1024,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	validBackends := map[string]bool{"json": true, "sqlite": true}
	if !validBackends[c.Storage.StatusBackend] {
		return fmt.Errorf("invalid status backend: %s", c.Storage.StatusBackend)
	}

	if c.Storage.StatusTTL <= 0 {
		return errors.New("storage.status_ttl must be positive")
	}

	if c.Storage.MaxFolders < 0 {
		return errors.New("storage.max_folders cannot be negative")
	}

	if c.Sync.ChunkSize <= 0 {
		return errors.New("sync.chunk_size must be positive")
	}

	if c.Sync.ReadChunkSize <= 0 {
		return errors.New("sync.read_chunk_size must be positive")
	}

	if c.GC.MaxConcurrent <= 0 {
		return errors.New("gc.max_concurrent must be positive")
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}

	switch c.Remote.Kind {
	case "http":
		if c.Remote.BaseURL == "" {
			return errors.New("remote.base_url is required")
		}
	case "s3":
		if c.Remote.S3.Bucket == "" {
			return errors.New("remote.s3.bucket is required")
		}
		if c.Remote.S3.PartSize < S3MinPartSize {
			return fmt.Errorf("remote.s3.part_size must be at least %d", S3MinPartSize)
		}
		if c.Sync.ChunkSize < c.Remote.S3.PartSize {
			return errors.New("sync.chunk_size must not be below remote.s3.part_size")
		}
	default:
		return fmt.Errorf("invalid remote kind: %s", c.Remote.Kind)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// ObjsDir is where object folders live.
func (c *Config) ObjsDir() string {
	return filepath.Join(c.Storage.DataDir, "objs")
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.ObjsDir(),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
