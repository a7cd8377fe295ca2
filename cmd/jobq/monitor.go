package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobq/client"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print queue statistics at a regular interval",
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, _ := cmd.Flags().GetString("url")
		interval, _ := cmd.Flags().GetDuration("interval")
		duration, _ := cmd.Flags().GetDuration("duration")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		c := client.New(url, client.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
		err := monitor(ctx, cmd.OutOrStdout(), c, interval)
		if ctx.Err() != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "\nMonitoring stopped.")
			return nil
		}
		return err
	},
}

func init() {
	monitorCmd.Flags().String("url", "http://localhost:8000", "base URL of a jobq HTTP API")
	monitorCmd.Flags().Duration("interval", time.Second, "update interval")
	monitorCmd.Flags().Duration("duration", 0, "how long to monitor (0 runs until interrupted)")
}

const monitorRow = "%-10s | %10s | %10s | %10s | %10s | %10s\n"

// monitor prints one row of GET /v1/stats per interval until ctx is done.
// Rows whose request failed show the error instead of counts.
func monitor(ctx context.Context, out io.Writer, c *client.Client, interval time.Duration) error {
	fmt.Fprintf(out, monitorRow, "Time", "Pending", "Running", "Succeeded", "Failed", "Oldest")
	fmt.Fprintln(out, strings.Repeat("-", 75))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := time.Now().Format("15:04:05")
		snap, err := c.Stats(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			fmt.Fprintf(out, "%-10s | error: %v\n", now, err)
		default:
			fmt.Fprintf(out, monitorRow, now,
				fmt.Sprint(snap.Pending),
				fmt.Sprint(snap.Running),
				fmt.Sprint(snap.Succeeded),
				fmt.Sprint(snap.Failed),
				snap.OldestPendingAge.Truncate(time.Millisecond).String(),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
