package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/admin"
	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/config"
	"github.com/dgnsrekt/tunecache/internal/fetch"
	"github.com/dgnsrekt/tunecache/internal/media"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dgnsrekt/tunecache/internal/source"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dgnsrekt/tunecache/internal/tagging"
)

// localIdentity is the admin identity of whoever runs the CLI.
const localIdentity = "local"

// app holds the components built from the configuration.
type app struct {
	cfg     *config.Config
	monitor *memory.Monitor
	store   *cache.Store
	admin   *admin.Manager
	svc     *media.Service // nil unless a source is configured
}

// openApp opens the cache. With withSource the download pipeline is
// built too and a source endpoint is required.
func openApp(cfg *config.Config, withSource bool) (*app, error) {
	if withSource {
		if err := cfg.RequireSource(); err != nil {
			return nil, err
		}
	}

	monitor := memory.NewMonitor(cfg.Storage.Budget())
	store, err := cache.Open(cache.Options{
		Dir:      cfg.Storage.CacheDir,
		Database: cfg.Storage.Database,
		MinSize:  cfg.Download.MinSize,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open cache: %w", err)
	}

	a := &app{
		cfg:     cfg,
		monitor: monitor,
		store:   store,
		admin:   admin.NewManager(store, cfg.Admin.IDs, admin.WithWindow(cfg.Admin.ConfirmWindow)),
	}
	if !withSource {
		return a, nil
	}

	resolver, err := source.NewHTTPResolver(cfg.Source.Endpoint, cfg.Source.ThumbnailParam)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dl := cfg.Download
	dl.TempDir = store.TempDir()
	a.svc = media.NewService(store, resolver,
		fetch.New(dl, monitor),
		storage.NewSelector(cfg.Storage.Policy, monitor, nil),
		tagging.NewEmbedder(nil),
		media.WithStrictTagging(cfg.Tagging.Strict))

	log.Debug("Pipeline ready",
		"policy", cfg.Storage.Policy,
		"cover", dl.CoverMode,
		"max_concurrent", dl.MaxConcurrent)
	return a, nil
}

// localAdmin returns a manager that authorizes the CLI user. It must
// never be exposed over the network.
func (a *app) localAdmin() *admin.Manager {
	return admin.NewManager(a.store, []string{localIdentity}, admin.WithWindow(a.cfg.Admin.ConfirmWindow))
}

func (a *app) Close() error {
	return a.store.Close()
}
