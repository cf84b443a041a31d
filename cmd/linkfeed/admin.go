package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"linkfeed/internal/feed"
	"linkfeed/internal/storage"
)

// withFeeds opens the store for a one-shot maintenance command.
func withFeeds(configDir string, fn func(ctx context.Context, repo *storage.BadgerRepository, feeds *feed.Service) error) error {
	cfg, log, err := setup(configDir)
	if err != nil {
		return err
	}
	// Keep stdout for the command's own output.
	log.SetLevel(quieter(log.GetLevel(), logrus.WarnLevel))

	repo, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer repo.Close()

	return fn(context.Background(), repo, feed.NewService(repo, cfg.AppURL, cfg.FeedLimit, log))
}

func quieter(a, b logrus.Level) logrus.Level {
	// Lower values are more severe.
	if a < b {
		return a
	}
	return b
}

func parseChatID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", arg, err)
	}
	return id, nil
}

func newFeedURLCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "feed-url <chatID>",
		Short: "Print a chat's feed URL, registering the chat if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return withFeeds(*configDir, func(ctx context.Context, _ *storage.BadgerRepository, feeds *feed.Service) error {
				u, err := feeds.IssueFeedURL(ctx, chatID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}
}

func newRotateTokenCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-token <chatID>",
		Short: "Replace a chat's feed token and print the new feed URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return withFeeds(*configDir, func(ctx context.Context, _ *storage.BadgerRepository, feeds *feed.Service) error {
				u, err := feeds.RotateFeedURL(ctx, chatID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}
}

func newStatsCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the number of stored chats and links as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFeeds(*configDir, func(ctx context.Context, repo *storage.BadgerRepository, _ *feed.Service) error {
				stats, err := repo.Stats(ctx)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
			})
		},
	}
}
