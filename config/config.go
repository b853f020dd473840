// Package config handles YAML config file loading for the forwarder.
package config

import (
	"fmt"
	"time"

	"github.com/justapithecus/flume/backup"
	"github.com/justapithecus/flume/buffer"
	"github.com/justapithecus/flume/transport"
)

// Config represents a flume.yaml configuration file.
// All values are optional and fall back to library defaults.
// CLI flags always override config values.
type Config struct {
	Buffer  BufferConfig  `yaml:"buffer"`
	Backup  BackupConfig  `yaml:"backup"`
	Forward ForwardConfig `yaml:"forward"`
	Flush   FlushConfig   `yaml:"flush"`
}

// BufferConfig holds chunk buffer settings.
type BufferConfig struct {
	// MaxSize is the global memory ceiling in bytes.
	MaxSize int64 `yaml:"max_size"`
	// ChunkInitialSize is the first allocation per tag, in bytes.
	ChunkInitialSize int `yaml:"chunk_initial_size"`
	// ChunkExpandRatio is the growth factor, greater than 1.
	ChunkExpandRatio float64 `yaml:"chunk_expand_ratio"`
	// ChunkRetentionSize is the size-based seal threshold in bytes.
	ChunkRetentionSize int `yaml:"chunk_retention_size"`
	// ChunkRetentionTime is the age-based seal threshold (e.g. "1s").
	ChunkRetentionTime Duration `yaml:"chunk_retention_time"`
	// FlushQueueSize bounds the primary flush queue, in chunks.
	FlushQueueSize int `yaml:"flush_queue_size"`
	// HeapMode selects heap-backed chunk storage instead of mmap.
	HeapMode bool `yaml:"heap_mode"`
}

// BackupConfig holds chunk persistence settings.
type BackupConfig struct {
	// Backend is "file" or "s3"; empty disables persistence.
	Backend string `yaml:"backend"`
	// Dir is the backup directory for the file backend.
	Dir string `yaml:"dir"`
	// Prefix is the saved-file prefix, defaulting to "flume".
	Prefix string `yaml:"prefix"`
	// S3 configures the s3 backend.
	S3 S3Config `yaml:"s3"`
}

// S3Config holds s3 backend settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// ForwardConfig holds downstream endpoint settings.
type ForwardConfig struct {
	// Address is the host:port of the forward endpoint.
	Address string `yaml:"address"`
	// DialTimeout bounds connection establishment (e.g. "5s").
	DialTimeout Duration `yaml:"dial_timeout"`
}

// FlushConfig holds background flusher settings.
type FlushConfig struct {
	// Interval is the period between unforced flush cycles (e.g. "600ms").
	Interval Duration `yaml:"interval"`
}

// Backup backend names.
const (
	BackendNone = ""
	BackendFile = "file"
	BackendS3   = "s3"
)

// Defaults for fields left zero.
const (
	DefaultBackupPrefix   = "flume"
	DefaultForwardAddress = "127.0.0.1:24224"
	DefaultFlushInterval  = 600 * time.Millisecond
)

// Default returns the default configuration.
func Default() Config {
	return Config{
		Backup:  BackupConfig{Prefix: DefaultBackupPrefix},
		Forward: ForwardConfig{Address: DefaultForwardAddress},
		Flush:   FlushConfig{Interval: Duration{DefaultFlushInterval}},
	}
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	switch c.Backup.Backend {
	case BackendNone, BackendFile, BackendS3:
	default:
		return fmt.Errorf("unknown backup backend %q", c.Backup.Backend)
	}
	if c.Backup.Backend == BackendFile && c.Backup.Dir == "" {
		return fmt.Errorf("backup backend %q requires backup.dir", BackendFile)
	}
	if c.Backup.Backend == BackendS3 {
		s3 := c.Backup.S3.toBackup()
		if err := s3.Validate(); err != nil {
			return fmt.Errorf("backup backend %q: %w", BackendS3, err)
		}
	}
	return nil
}

// BufferConfig converts the yaml buffer section into a buffer.Config.
// Zero fields stay zero; the buffer applies its own defaults.
func (c *Config) BufferConfig() buffer.Config {
	return buffer.Config{
		MaxBufferSize:      c.Buffer.MaxSize,
		ChunkInitialSize:   c.Buffer.ChunkInitialSize,
		ChunkExpandRatio:   c.Buffer.ChunkExpandRatio,
		ChunkRetentionSize: c.Buffer.ChunkRetentionSize,
		ChunkRetentionTime: c.Buffer.ChunkRetentionTime.Duration,
		FlushQueueSize:     c.Buffer.FlushQueueSize,
		HeapMode:           c.Buffer.HeapMode,
	}
}

// ForwardConfig converts the yaml forward section for the transport.
func (c *Config) ForwardConfig() transport.ForwardConfig {
	return transport.ForwardConfig{
		Address:     c.Forward.Address,
		DialTimeout: c.Forward.DialTimeout.Duration,
	}
}

func (s S3Config) toBackup() backup.S3Config {
	return backup.S3Config{
		Bucket:       s.Bucket,
		Prefix:       s.Prefix,
		Region:       s.Region,
		Endpoint:     s.Endpoint,
		UsePathStyle: s.PathStyle,
	}
}

// BackupS3Config converts the yaml s3 section for the backup store.
func (c *Config) BackupS3Config() backup.S3Config {
	return c.Backup.S3.toBackup()
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
