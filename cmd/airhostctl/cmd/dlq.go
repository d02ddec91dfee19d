package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/airhost/airhost-gateway/internal/dlq"
	natsclient "github.com/airhost/airhost-gateway/internal/messaging/nats"
	"github.com/airhost/airhost-gateway/internal/output"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue commands",
	Long:  "Inspect and purge deliveries and tasks the gateway could not process",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered entries, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		q, closeQueue, err := openDLQ(cmd.Context())
		if err != nil {
			return err
		}
		defer closeQueue()

		events, err := q.List(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		return printer(cmd).Render(events, func(t *output.Table) {
			t.Header("ID", "TIME", "REASON", "ATTEMPTS", "ERROR")
			for _, e := range events {
				t.AddRow(e.ID, e.Timestamp.Format(time.RFC3339), e.Reason, strconv.Itoa(e.Attempts), e.Error)
			}
		})
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead letter queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeQueue, err := openDLQ(cmd.Context())
		if err != nil {
			return err
		}
		defer closeQueue()

		stats := q.Stats(cmd.Context())
		return printer(cmd).Render(stats, func(t *output.Table) {
			t.Header("STAT", "VALUE")
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				t.AddRow(k, fmt.Sprint(stats[k]))
			}
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("purge deletes every entry; pass --yes to confirm")
		}

		q, closeQueue, err := openDLQ(cmd.Context())
		if err != nil {
			return err
		}
		defer closeQueue()

		if err := q.Purge(cmd.Context()); err != nil {
			return fmt.Errorf("failed to purge: %w", err)
		}
		printer(cmd).Success("Dead letter queue purged")
		return nil
	},
}

// openDLQ opens the configured queue backend. The returned func releases
// any connection it holds.
func openDLQ(ctx context.Context) (dlq.Queue, func(), error) {
	switch cfg.DLQ.Backend {
	case "jetstream":
		if cfg.NATS.URL == "" {
			return nil, nil, fmt.Errorf("nats.url is not configured")
		}
		js, err := natsclient.NewJetStreamClient(natsclient.DefaultConfig(cfg.NATS.URL))
		if err != nil {
			return nil, nil, err
		}
		q, err := dlq.NewJetStreamQueue(ctx, js)
		if err != nil {
			_ = js.Close()
			return nil, nil, err
		}
		return q, func() { _ = js.Close() }, nil
	default:
		q, err := dlq.NewFileQueue(cfg.DLQ.BasePath)
		if err != nil {
			return nil, nil, err
		}
		return q, func() {}, nil
	}
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)

	dlqListCmd.Flags().IntP("limit", "l", 50, "maximum entries to show")
	dlqPurgeCmd.Flags().BoolP("yes", "y", false, "confirm the purge")
}
