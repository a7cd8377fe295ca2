package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/jobq/client"
	"github.com/xraph/jobq/tasks/chat"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Send chat requests to a jobq HTTP API and report latency",
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, _ := cmd.Flags().GetString("url")
		total, _ := cmd.Flags().GetInt("requests")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		prompt, _ := cmd.Flags().GetString("prompt")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		logger := buildLogger(viper.GetString("log_level"), "loadtest")
		logger.Info("load test configuration",
			slog.Int("requests", total),
			slog.Int("concurrency", concurrency),
			slog.String("url", url),
		)

		c := client.New(url,
			client.WithHTTPClient(&http.Client{Timeout: timeout}),
			client.WithLogger(logger),
		)
		rep, err := loadTest(cmd.Context(), logger, c, loadTestConfig{
			Requests:    total,
			Concurrency: concurrency,
			Messages:    []chat.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return err
		}
		rep.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	loadtestCmd.Flags().String("url", "http://localhost:8000", "base URL of a jobq HTTP API")
	loadtestCmd.Flags().Int("requests", 100, "total number of requests to send")
	loadtestCmd.Flags().Int("concurrency", 10, "number of concurrent requests")
	loadtestCmd.Flags().String("prompt", "What are the benefits of using a job queue for LLM requests?", "user message sent with every request")
	loadtestCmd.Flags().Duration("timeout", 60*time.Second, "per-request timeout")
}

type loadTestConfig struct {
	Requests    int
	Concurrency int
	Messages    []chat.Message
}

type loadReport struct {
	Requests  int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Latencies []time.Duration
}

func (r loadReport) percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(r.Latencies)
	slices.Sort(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func (r loadReport) print(out io.Writer) {
	fmt.Fprintf(out, "requests:  %d\n", r.Requests)
	fmt.Fprintf(out, "succeeded: %d\n", r.Succeeded)
	fmt.Fprintf(out, "failed:    %d\n", r.Failed)
	fmt.Fprintf(out, "elapsed:   %s\n", r.Elapsed.Truncate(time.Millisecond))
	fmt.Fprintf(out, "p50:       %s\n", r.percentile(0.50).Truncate(time.Millisecond))
	fmt.Fprintf(out, "p95:       %s\n", r.percentile(0.95).Truncate(time.Millisecond))
}

// loadTest sends cfg.Requests chat requests with at most cfg.Concurrency
// in flight. Failed requests are counted, not returned.
func loadTest(ctx context.Context, logger *slog.Logger, c *client.Client, cfg loadTestConfig) (loadReport, error) {
	if cfg.Requests <= 0 || cfg.Concurrency <= 0 {
		return loadReport{}, fmt.Errorf("requests and concurrency must be positive")
	}
	var (
		mu  sync.Mutex
		rep = loadReport{Requests: cfg.Requests}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	start := time.Now()
	for i := range cfg.Requests {
		reqID := i + 1
		g.Go(func() error {
			began := time.Now()
			resp, err := c.Chat(gctx, cfg.Messages)
			elapsed := time.Since(began)

			mu.Lock()
			defer mu.Unlock()
			rep.Latencies = append(rep.Latencies, elapsed)
			if err != nil {
				rep.Failed++
				logger.Error("request failed",
					slog.Int("request", reqID),
					slog.Duration("elapsed", elapsed),
					slog.String("error", err.Error()),
				)
				return nil
			}
			rep.Succeeded++
			logger.Info("request completed",
				slog.Int("request", reqID),
				slog.Duration("elapsed", elapsed),
				slog.String("job_id", resp.JobID.String()),
			)
			return nil
		})
	}
	_ = g.Wait()
	rep.Elapsed = time.Since(start)

	logger.Info("load test completed", slog.Int("requests", cfg.Requests))
	return rep, ctx.Err()
}
