package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/horizon-vpn/settlement-hub/internal/application/projection"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/bus"
)

func newWatchCommand() *cobra.Command {
	var (
		natsURL   string
		eventType string
		durable   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream committed ledger events from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			subject := projection.SubjectPrefix + ">"
			if eventType != "" {
				subject = projection.Subject(eventType)
			}

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, subject, durable, func(_ context.Context, data []byte) error {
				return printJSON(out, json.RawMessage(data))
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", subject)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	cmd.Flags().StringVar(&eventType, "type", "", "Only stream one event type, e.g. SESSION_COMPLETED")
	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name; empty streams new events only")
	return cmd
}
