package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventually/internal/config"
	"github.com/alfredjeanlab/eventually/internal/events"
	"github.com/alfredjeanlab/eventually/internal/store"
	"github.com/alfredjeanlab/eventually/internal/store/postgres"
	"github.com/alfredjeanlab/eventually/internal/ui"
)

// notificationSource is implemented by both subscribers.
type notificationSource interface {
	events.Source
	Close() error
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Print new and changed record notifications as they arrive",
	GroupID: "archive",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL, _ := cmd.Flags().GetString("nats-url")
		noColor, _ := cmd.Flags().GetBool("no-color")
		resolve, _ := cmd.Flags().GetBool("resolve")

		if noColor || !ui.ShouldUseColor(os.Stdout) {
			ui.ForceNoColor()
		}

		cfg, err := config.Parse()
		if err != nil {
			return err
		}
		if natsURL == "" {
			natsURL = cfg.NATSURL
		}

		var src notificationSource
		switch {
		case natsURL != "":
			sub, err := events.NewNATSSubscriber(natsURL)
			if err != nil {
				return err
			}
			src = sub
			logger.Info("watching NATS", "nats_url", natsURL)
		case cfg.DatabaseURL != "":
			src = events.NewPGSubscriber(events.NewPQListener(cfg.DatabaseURL, logger), logger)
			logger.Info("watching PostgreSQL notifications")
		default:
			return fmt.Errorf("nothing to watch: set EVENTUALLY_NATS_URL or EVENTUALLY_DATABASE_URL")
		}
		defer src.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		describe := payloadOnly
		if resolve {
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("--resolve needs EVENTUALLY_DATABASE_URL")
			}
			pg, err := postgres.New(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer closeStore(pg, logger)
			describe = resolveVersions(ctx, pg)
		}

		ch, err := src.Notifications(ctx)
		if err != nil {
			return err
		}
		printNotifications(cmd.OutOrStdout(), ch, time.Now, describe)
		return nil
	},
}

func init() {
	watchCmd.Flags().String("nats-url", "", "watch this NATS server instead of PostgreSQL (default $EVENTUALLY_NATS_URL)")
	watchCmd.Flags().Bool("no-color", false, "disable colored output")
	watchCmd.Flags().Bool("resolve", false, "look up the document id behind each changed_events hash")
}

func payloadOnly(n events.Notification) string { return n.Payload }

// resolveVersions describes changed_events by their hash and the id of the
// document the version belongs to. Lookups that fail print the hash alone.
func resolveVersions(ctx context.Context, s store.Store) func(events.Notification) string {
	return func(n events.Notification) string {
		if n.Channel != store.ChannelChangedEvents {
			return n.Payload
		}
		v, err := s.GetVersion(ctx, n.Payload)
		if err != nil {
			logger.Debug("resolve version", "hash", n.Payload, "err", err)
			return n.Payload
		}
		return n.Payload + " " + ui.RenderMuted(v.DocID)
	}
}

// printNotifications writes one line per notification until ch closes and
// returns how many were printed.
func printNotifications(w io.Writer, ch <-chan events.Notification, now func() time.Time, describe func(events.Notification) string) int {
	n := 0
	for note := range ch {
		fmt.Fprintln(w, ui.NotificationLine(now(), note.Channel, describe(note)))
		n++
	}
	return n
}
