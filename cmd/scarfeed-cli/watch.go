package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcmartin/scarfeed/pkg/client"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/models"
)

func newWatchCmd() *cobra.Command {
	var verbosity int
	var showHeartbeats, debug bool

	cmd := &cobra.Command{
		Use:   "watch [project-id]",
		Short: "Follow a project's live activity feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !models.ValidVerbosity(verbosity) {
				return fmt.Errorf("verbosity must be 1, 2 or 3")
			}

			level := "warn"
			if debug {
				level = "debug"
			}
			logger, err := logging.New(logging.LogConfig{Level: level, Format: "text", Output: "stderr"})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			feed := client.NewFeedClient(serverURL, args[0], verbosity, logger)
			feed.Token = token
			feed.OnItem = func(item models.FeedItem) {
				fmt.Fprintln(out, formatItem(item))
			}
			feed.OnState = func(s client.State) {
				fmt.Fprintf(cmd.ErrOrStderr(), "-- %s\n", s)
			}
			if showHeartbeats {
				feed.OnHeartbeat = func(hb models.Heartbeat) {
					fmt.Fprintf(cmd.ErrOrStderr(), "-- heartbeat %s\n", hb.Timestamp)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = feed.Run(ctx)
			var streamErr *client.StreamError
			if errors.As(err, &streamErr) {
				return fmt.Errorf("feed closed by server: %s", streamErr.Message)
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&verbosity, "verbosity", "v", models.VerbosityMedium, "1 = status only, 2 = messages and tools, 3 = full output")
	cmd.Flags().BoolVar(&showHeartbeats, "heartbeats", false, "Print heartbeats")
	cmd.Flags().BoolVar(&debug, "debug", false, "Log connection details")
	return cmd
}

// formatItem renders one line of the feed, e.g.
// 12:04:05 [po] status PRIME: RUNNING
func formatItem(item models.FeedItem) string {
	ts := item.Timestamp
	if t, err := time.Parse(time.RFC3339Nano, item.Timestamp); err == nil {
		ts = t.Local().Format(time.TimeOnly)
	}
	return fmt.Sprintf("%s [%s] %s %s", ts, item.Source, item.Kind, item.Message)
}
