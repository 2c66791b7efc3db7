// Package main provides the entry point for the tunecache CLI application.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/config"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile  string
	storageMode string
	cacheDir    string

	// cfg is loaded once before any command runs and never modified.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "tunecache",
		Short: "Fetch, tag and cache music tracks",
		Long: paragraph(
			fmt.Sprintf("\nFetch, tag and cache music tracks, %s!", keyword("once per tier")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
	}
)

func validateOptions(cmd *cobra.Command) error {
	// commands that never touch the cache
	switch cmd.Name() {
	case "config", "man", "help", "completion":
		return nil
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	c, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = c
	log.Debug("Loaded configuration",
		"mode", cfg.Storage.Policy,
		"cache_dir", cfg.Storage.CacheDir,
		"config", viper.ConfigFileUsed())
	return nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	config.SetDefaults(viper.GetViper())
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().StringVarP(&storageMode, "mode", "m", "", "storage mode: disk, memory or hybrid")
	rootCmd.PersistentFlags().StringVarP(&cacheDir, "cache-dir", "d", "", "cache directory")

	// Config bindings
	_ = viper.BindPFlag("storage.mode", rootCmd.PersistentFlags().Lookup("mode"))
	_ = viper.BindPFlag("storage.cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))

	rootCmd.AddCommand(serveCmd, getCmd, rmCmd, clearCmd, exportCmd, statsCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "tunecache")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "tunecache")}, dirs...)
	}

	if c := os.Getenv("TUNECACHE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("tunecache")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("tunecache")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "tunecache.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
