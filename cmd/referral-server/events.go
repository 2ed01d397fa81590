package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/referral/internal/config"
	"github.com/ehr/referral/internal/domain/referral"
	"github.com/ehr/referral/internal/platform/events"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the transition event stream",
	}

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print transition events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required")
			}
			channel, _ := cmd.Flags().GetString("channel")
			if channel == "" {
				channel = cfg.EventsChannel
			}
			if channel == "" {
				channel = referral.DefaultEventChannel
			}

			ctx := cmd.Context()
			rdb, err := events.NewRedisClient(ctx, events.RedisConfig{
				URL:         cfg.RedisURL,
				DialTimeout: 5 * time.Second,
			})
			if err != nil {
				return err
			}
			defer rdb.Close()

			msgs, err := events.NewRedisPublisher(rdb).Subscribe(ctx, channel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (Ctrl-C to stop)\n", channel)
			return printEvents(cmd.OutOrStdout(), msgs)
		},
	}
	tailCmd.Flags().String("channel", "", "Channel to follow (defaults to EVENTS_CHANNEL)")

	cmd.AddCommand(tailCmd)
	return cmd
}

// printEvents writes one line per transition event until msgs closes.
// Payloads that are not transition events are printed raw.
func printEvents(w io.Writer, msgs <-chan []byte) error {
	for payload := range msgs {
		var evt referral.TransitionEvent
		if err := json.Unmarshal(payload, &evt); err != nil || evt.To == "" {
			if _, err := fmt.Fprintf(w, "%s\n", payload); err != nil {
				return err
			}
			continue
		}

		from := string(evt.From)
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("%s  %s  %-9s %s -> %s",
			evt.OccurredAt.UTC().Format("2006-01-02 15:04:05"),
			evt.CaseID, evt.Operation, from, evt.To)
		if evt.DestinationParty != nil {
			line += "  dest=" + *evt.DestinationParty
		}
		if evt.ActorID != nil {
			line += "  by=" + *evt.ActorID
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
