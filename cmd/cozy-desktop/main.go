package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Peltoche/cozy-desktop/internal/config"
	"github.com/Peltoche/cozy-desktop/internal/sync"
	"github.com/Peltoche/cozy-desktop/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "cozy-desktop",
	Short:   "Keep a local directory and a Cozy in sync",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		cfg.Path = viper.ConfigFileUsed()
		if dir := viper.GetString("sync_dir"); dir != "" {
			cfg.SyncDir = dir
		}
		cfg.IgnoredPatterns = viper.GetStringSlice("ignored_patterns")
		if ms := viper.GetInt("await_write_finish.poll_interval_ms"); ms > 0 {
			cfg.AwaitWriteFinish.PollInterval = time.Duration(ms) * time.Millisecond
		}
		if ms := viper.GetInt("await_write_finish.stability_threshold_ms"); ms > 0 {
			cfg.AwaitWriteFinish.StabilityThreshold = time.Duration(ms) * time.Millisecond
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		// one engine per sync dir
		lockPath := filepath.Join(cfg.SyncDir, sync.ControlDirName, "desktop.lock")
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			return err
		}
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("lock %s: %w", lockPath, err)
		}
		if !locked {
			return fmt.Errorf("another instance is already syncing %s", cfg.SyncDir)
		}
		defer lock.Unlock()

		manager, err := sync.NewManager(cfg)
		if err != nil {
			return err
		}
		if err := manager.Start(cmd.Context()); err != nil {
			return err
		}
		defer slog.Info("bye")

		<-cmd.Context().Done()
		return manager.Stop()
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("sync-dir", "d", config.DefaultSyncDir, "Directory to keep in sync")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	logFile, _ := rootCmd.PersistentFlags().GetString("log-file")
	if logFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		return
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		return
	}
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(newTeeHandler(handler, fileHandler)))
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".cozy-desktop"))
		viper.AddConfigPath(filepath.Join(home, ".config/cozy-desktop"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("sync_dir", cmd.Flags().Lookup("sync-dir"))

	viper.SetEnvPrefix("COZY_DESKTOP")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("Cozy Desktop %s\n", version.Short())
}
