package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/lattice-collab/internal/config"
	"github.com/manpreetbhatti/lattice-collab/internal/feed"
	"github.com/manpreetbhatti/lattice-collab/internal/logging"
)

var errNoFeed = errors.New("redis.addr is not set, the operation feed is disabled")

// newTailCmd prints the committed operations of one session, one JSON
// object per line, as they are published on the redis feed.
func newTailCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "tail <session-id>",
		Short:        "Follow the operation feed of a session",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return tail(ctx, cfg, args[0], cmd.OutOrStdout(), logging.New(cfg.Log, cmd.ErrOrStderr()))
		},
	}
}

func tail(ctx context.Context, cfg config.Config, sessionID string, w io.Writer, logger *slog.Logger) error {
	if cfg.Redis.Addr == "" {
		return errNoFeed
	}

	rdb, err := feed.NewRedisClient(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer rdb.Close()

	sub := feed.NewRedisPublisher(rdb, cfg.Redis.ChannelPrefix, logger)
	msgs, err := sub.Subscribe(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.Channel(sessionID), err)
	}
	logger.Info("📡 Following operation feed", "session_id", sessionID, "channel", sub.Channel(sessionID))

	enc := json.NewEncoder(w)
	for m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}
