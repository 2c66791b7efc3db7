// Package config turns viper settings into a validated, read-only
// configuration.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgnsrekt/tunecache/internal/admin"
	"github.com/dgnsrekt/tunecache/internal/fetch"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the process configuration. Treat it as read-only once loaded.
type Config struct {
	Storage  Storage
	Download fetch.Config
	Tagging  Tagging
	Admin    Admin
	Source   Source
	Server   Server
}

// Storage configures buffering and the cache location.
type Storage struct {
	Policy          storage.Policy
	MemoryThreshold uint64
	MemoryBuffer    uint64
	CacheDir        string
	Database        string
}

// Budget returns the memory budget for the monitor.
func (s Storage) Budget() memory.Budget {
	return memory.Budget{ThresholdBytes: s.MemoryThreshold, SafetyBytes: s.MemoryBuffer}
}

// Tagging configures the metadata embedder.
type Tagging struct {
	// Fail the request instead of caching untagged audio
	Strict bool
}

// Admin configures the admin manager.
type Admin struct {
	IDs           []string
	ConfirmWindow time.Duration
}

// Source configures the track resolver.
type Source struct {
	Endpoint       string
	ThumbnailParam string
}

// Server configures the HTTP surface.
type Server struct {
	Addr string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	def := fetch.DefaultConfig()

	v.SetDefault("storage.mode", string(storage.PolicyDisk))
	v.SetDefault("storage.memory_threshold", "100MiB")
	v.SetDefault("storage.memory_buffer", "100MiB")
	v.SetDefault("storage.cache_dir", "~/.cache/tunecache")
	v.SetDefault("storage.database", "")

	v.SetDefault("download.attempt_timeout", def.AttemptTimeout)
	v.SetDefault("download.max_retries", def.MaxRetries)
	v.SetDefault("download.max_concurrent", def.MaxConcurrent)
	v.SetDefault("download.chunk_size", "256KiB")
	v.SetDefault("download.min_size", "1KiB")
	v.SetDefault("download.requests_per_minute", def.RequestsPerMinute)

	v.SetDefault("cover.mode", string(fetch.CoverBoth))
	v.SetDefault("tagging.strict", false)

	v.SetDefault("admin.ids", []string{})
	v.SetDefault("admin.confirm_window", admin.DefaultConfirmWindow)

	v.SetDefault("source.endpoint", "")
	v.SetDefault("source.thumbnail_param", "param=320y320")

	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var errs []error
	bytes := func(key string) uint64 {
		n, err := parseBytes(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	policy, err := storage.ParsePolicy(v.GetString("storage.mode"))
	if err != nil {
		errs = append(errs, fmt.Errorf("storage.mode: %w", err))
	}
	coverMode, err := fetch.ParseCoverMode(v.GetString("cover.mode"))
	if err != nil {
		errs = append(errs, fmt.Errorf("cover.mode: %w", err))
	}

	cfg := &Config{
		Storage: Storage{
			Policy:          policy,
			MemoryThreshold: bytes("storage.memory_threshold"),
			MemoryBuffer:    bytes("storage.memory_buffer"),
			CacheDir:        expand(v.GetString("storage.cache_dir")),
			Database:        expand(v.GetString("storage.database")),
		},
		Download: fetch.Config{
			AttemptTimeout:    v.GetDuration("download.attempt_timeout"),
			MaxRetries:        v.GetInt("download.max_retries"),
			MaxConcurrent:     v.GetInt("download.max_concurrent"),
			ChunkSize:         int(bytes("download.chunk_size")), //nolint:gosec
			MinSize:           int64(bytes("download.min_size")), //nolint:gosec
			RequestsPerMinute: v.GetInt("download.requests_per_minute"),
			CoverMode:         coverMode,
		},
		Tagging: Tagging{Strict: v.GetBool("tagging.strict")},
		Admin: Admin{
			IDs:           v.GetStringSlice("admin.ids"),
			ConfirmWindow: v.GetDuration("admin.confirm_window"),
		},
		Source: Source{
			Endpoint:       strings.TrimSpace(v.GetString("source.endpoint")),
			ThumbnailParam: strings.TrimSpace(v.GetString("source.thumbnail_param")),
		},
		Server: Server{Addr: v.GetString("server.addr")},
	}

	if cfg.Storage.CacheDir == "" {
		errs = append(errs, errors.New("storage.cache_dir must be set"))
	}
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = filepath.Join(cfg.Storage.CacheDir, "cache.db")
	}
	cfg.Download.TempDir = filepath.Join(cfg.Storage.CacheDir, "tmp")

	if cfg.Download.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("download.attempt_timeout must be positive, got %s", cfg.Download.AttemptTimeout))
	}
	if cfg.Download.MaxRetries < 0 || cfg.Download.MaxRetries > 20 {
		errs = append(errs, fmt.Errorf("download.max_retries must be between 0 and 20, got %d", cfg.Download.MaxRetries))
	}
	if cfg.Download.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("download.max_concurrent must be at least 1, got %d", cfg.Download.MaxConcurrent))
	}
	if cfg.Download.ChunkSize < 1024 {
		errs = append(errs, fmt.Errorf("download.chunk_size must be at least 1KiB, got %d", cfg.Download.ChunkSize))
	}
	if cfg.Download.RequestsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("download.requests_per_minute must be at least 1, got %d", cfg.Download.RequestsPerMinute))
	}
	if cfg.Admin.ConfirmWindow <= 0 {
		errs = append(errs, fmt.Errorf("admin.confirm_window must be positive, got %s", cfg.Admin.ConfirmWindow))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RequireSource reports an error when no source endpoint is configured.
func (c *Config) RequireSource() error {
	if c.Source.Endpoint == "" {
		return errors.New("source.endpoint must be set to fetch tracks")
	}
	return nil
}

func parseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}

func expand(path string) string {
	if path == "" {
		return ""
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return p
}
