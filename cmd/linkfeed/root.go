package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"linkfeed/internal/config"
	"linkfeed/internal/storage"
)

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:   "linkfeed",
		Short: "Collects links posted in Telegram chats and serves them as per-chat RSS feeds.",
		Long: `linkfeed watches the chats its Telegram bot is a member of, stores every
link posted there together with its page metadata, and serves each chat's
links as an RSS feed protected by a per-chat token.

The store is a single BadgerDB directory and can be opened by one process at
a time: stop "serve" before running the maintenance commands.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "./configs", "directory holding config.yaml")

	root.AddCommand(
		newServeCmd(&configDir),
		newFeedURLCmd(&configDir),
		newRotateTokenCmd(&configDir),
		newStatsCmd(&configDir),
	)
	return root
}

// setup loads the configuration and builds the process logger.
func setup(configDir string) (config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("error loading configuration: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	return cfg, log, nil
}

func openStore(cfg config.Config, log logrus.FieldLogger) (*storage.BadgerRepository, error) {
	repo, err := storage.NewBadgerRepository(cfg.BadgerDBPath, log, storage.WithSyncWrites(cfg.SyncWrites))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return repo, nil
}
