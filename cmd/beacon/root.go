package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/beacon"
	"github.com/ashita-ai/beacon/internal/config"
	"github.com/ashita-ai/beacon/internal/telemetry"
)

type rootFlags struct {
	configPath   string
	drainTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "beacon",
		Short: "Send test telemetry to a beacon collector",
		Long: `Send error events and traces to a collector using the same buffered,
signed delivery path applications use.

Configuration comes from BEACON_* environment variables, a .env file in the
working directory, and an optional YAML file.

Examples:
  # Send one error event
  beacon capture --type TimeoutError --message "upstream took 30s"

  # Send a demo trace with three generation spans
  beacon trace --name checkout --spans 3`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:      version,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (overrides BEACON_CONFIG)")
	root.PersistentFlags().DurationVar(&flags.drainTimeout, "drain-timeout", 15*time.Second, "how long to wait for in-flight sends before exiting")

	root.AddCommand(newCaptureCmd(flags), newTraceCmd(flags))
	return root
}

func newCaptureCmd(flags *rootFlags) *cobra.Command {
	var (
		errorType string
		message   string
		procedure string
		screen    string
		meta      []string
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one error event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			metadata, err := parseKeyValues(meta)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), flags, func(c *beacon.Client, logger *slog.Logger) error {
				c.Capture(errorType, message, &beacon.CaptureOptions{
					Source:    "cli",
					Procedure: procedure,
					Screen:    screen,
					Metadata:  metadata,
				})
				logger.Info("event captured", "error_type", errorType)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&errorType, "type", "BeaconTestError", "error type")
	cmd.Flags().StringVarP(&message, "message", "m", "test event from beacon CLI", "error message")
	cmd.Flags().StringVar(&procedure, "procedure", "", "route or procedure label")
	cmd.Flags().StringVar(&screen, "screen", "", "screen label")
	cmd.Flags().StringSliceVar(&meta, "meta", nil, "metadata as key=value (repeatable)")
	return cmd
}

func newTraceCmd(flags *rootFlags) *cobra.Command {
	var (
		name     string
		spans    int
		model    string
		provider string
		fail     bool
	)
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Send a demo trace with chained generation spans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), flags, func(c *beacon.Client, logger *slog.Logger) error {
				err := c.WithTrace(name, &beacon.TraceOptions{Input: "beacon CLI demo"}, func(tr *beacon.Trace) error {
					parent := ""
					for i := 0; i < spans; i++ {
						err := tr.WithGeneration(&beacon.SpanOptions{
							Name:         fmt.Sprintf("step-%d", i+1),
							Model:        model,
							Provider:     provider,
							ParentSpanID: parent,
						}, func(s *beacon.Span) error {
							parent = s.ID()
							s.SetUsage(beacon.WithInputTokens(100*(i+1)), beacon.WithOutputTokens(20*(i+1)))
							return nil
						})
						if err != nil {
							return err
						}
					}
					if fail {
						return errors.New("demo failure requested with --fail")
					}
					return nil
				})
				logger.Info("trace finished", "name", name, "spans", spans, "error", err)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "beacon-demo", "trace name")
	cmd.Flags().IntVar(&spans, "spans", 2, "number of generation spans")
	cmd.Flags().StringVar(&model, "model", "demo-model", "model identifier on each span")
	cmd.Flags().StringVar(&provider, "provider", "demo", "provider identifier on each span")
	cmd.Flags().BoolVar(&fail, "fail", false, "finish the trace with an error")
	return cmd
}

// withClient builds a client from configuration, runs fn, then closes the
// client and waits for delivery.
func withClient(ctx context.Context, flags *rootFlags, fn func(*beacon.Client, *slog.Logger) error) error {
	_ = godotenv.Load()
	if flags.configPath != "" {
		if err := os.Setenv("BEACON_CONFIG", flags.configPath); err != nil {
			return fmt.Errorf("set BEACON_CONFIG: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	client, err := beacon.New(beacon.Config{
		Endpoint:       cfg.Endpoint,
		ProjectKey:     cfg.ProjectKey,
		Environment:    cfg.Environment,
		Release:        cfg.Release,
		FlushInterval:  cfg.FlushInterval,
		MaxBufferSize:  cfg.MaxBufferSize,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
	}, beacon.WithLogger(logger), beacon.WithSource("cli"))
	if err != nil {
		return err
	}

	runErr := fn(client, logger)

	client.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), flags.drainTimeout)
	defer cancel()
	if err := client.Drain(drainCtx); err != nil {
		logger.Warn("drain timed out; some data may not have been delivered", "error", err)
	}
	return runErr
}

func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
