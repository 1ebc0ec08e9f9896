package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storybook/internal/api"
	"github.com/jackzampolin/storybook/internal/bus"
)

var (
	eventsNATSURL string
	eventsPrefix  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow job events published on NATS",
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print book and batch completion events as they arrive",
	Long: `Subscribe to the server's NATS subjects and print each event.

The NATS URL and subject prefix default to notify.nats_url and
notify.subject_prefix from the configuration.

Examples:
  storybook events watch
  storybook events watch --nats nats://localhost:4222 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		url, prefix := eventsNATSURL, eventsPrefix
		if url == "" || prefix == "" {
			h, err := getHome()
			if err != nil {
				return err
			}
			mgr, err := loadConfig(h, logger)
			if err != nil {
				return err
			}
			if url == "" {
				url = mgr.Get().Notify.NATSURL
			}
			if prefix == "" {
				prefix = mgr.Get().Notify.SubjectPrefix
			}
		}
		if url == "" {
			return fmt.Errorf("no NATS URL: set notify.nats_url or pass --nats")
		}

		client, err := bus.Connect(url, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		subject := bus.NewPublisher(client, prefix).AllSubjects()
		sub, err := client.SubscribeJSON(subject, func(_ context.Context, subject string, data []byte) {
			var event map[string]any
			if err := json.Unmarshal(data, &event); err != nil {
				logger.Warn("undecodable event", "subject", subject, "error", err)
				return
			}
			event["subject"] = subject
			if err := api.Output(event); err != nil {
				logger.Warn("failed to print event", "error", err)
			}
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		logger.Info("watching events", "subject", subject)
		<-ctx.Done()
		return nil
	},
}

func init() {
	eventsWatchCmd.Flags().StringVar(&eventsNATSURL, "nats", "", "NATS server URL")
	eventsWatchCmd.Flags().StringVar(&eventsPrefix, "prefix", "", "Subject prefix")

	eventsCmd.AddCommand(eventsWatchCmd)
	rootCmd.AddCommand(eventsCmd)
}
