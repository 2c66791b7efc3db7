package fetch

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// CoverMode selects which cover variants are downloaded.
type CoverMode string

const (
	// CoverBoth fetches the original for embedding and the thumbnail for previews
	CoverBoth CoverMode = "both"
	// CoverOriginal fetches only the original-resolution cover
	CoverOriginal CoverMode = "original"
	// CoverThumbnail fetches only the preview thumbnail
	CoverThumbnail CoverMode = "thumbnail"
	// CoverNone fetches no covers
	CoverNone CoverMode = "none"
)

// ParseCoverMode parses a cover mode name.
func ParseCoverMode(s string) (CoverMode, error) {
	switch m := CoverMode(strings.ToLower(strings.TrimSpace(s))); m {
	case CoverBoth, CoverOriginal, CoverThumbnail, CoverNone:
		return m, nil
	default:
		return "", fmt.Errorf("invalid cover mode %q: use both, original, thumbnail or none", s)
	}
}

func (m CoverMode) original() bool  { return m == CoverBoth || m == CoverOriginal }
func (m CoverMode) thumbnail() bool { return m == CoverBoth || m == CoverThumbnail }

// Config holds configuration for the orchestrator.
type Config struct {
	// Per-attempt deadline covering connect, headers and body
	AttemptTimeout time.Duration

	// Retries after the first attempt (defaults to 3)
	MaxRetries int

	// Concurrent audio downloads across the process (defaults to 3)
	MaxConcurrent int

	// Bytes read from the response per write into the buffer (defaults to 256KiB)
	ChunkSize int

	// Smallest acceptable payload (defaults to 1KiB)
	MinSize int64

	// Rate limit for requests to the source
	RequestsPerMinute int

	// Directory for disk buffers. Should be on the cache file system.
	TempDir string

	CoverMode CoverMode
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout:    60 * time.Second,
		MaxRetries:        3,
		MaxConcurrent:     3,
		ChunkSize:         256 * 1024,
		MinSize:           1024,
		RequestsPerMinute: 120,
		TempDir:           os.TempDir(),
		CoverMode:         CoverBoth,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MinSize <= 0 {
		c.MinSize = def.MinSize
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = def.RequestsPerMinute
	}
	if c.TempDir == "" {
		c.TempDir = def.TempDir
	}
	if c.CoverMode == "" {
		c.CoverMode = def.CoverMode
	}
}
