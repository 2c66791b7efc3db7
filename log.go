package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/term"
)

type logConfig struct {
	Level string `env:"TUNECACHE_LOG_LEVEL" envDefault:"info"`
	File  string `env:"TUNECACHE_LOG_FILE"`
}

// setupLog configures the default logger. Log records go to stderr, as
// JSON when stderr is not a terminal, or to TUNECACHE_LOG_FILE.
func setupLog() (func() error, error) {
	cfg, err := env.ParseAs[logConfig]()
	if err != nil {
		return nil, fmt.Errorf("error parsing log config: %w", err)
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid TUNECACHE_LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	var out io.Writer = os.Stderr
	closer := func() error { return nil }
	if cfg.File != "" {
		path, err := homedir.Expand(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("unable to expand log file path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec
			return nil, fmt.Errorf("unable to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("unable to open log file: %w", err)
		}
		out, closer = f, f.Close
	}
	if cfg.File != "" || !term.IsTerminal(int(os.Stderr.Fd())) {
		log.SetFormatter(log.JSONFormatter)
	}
	log.SetOutput(out)
	return closer, nil
}
