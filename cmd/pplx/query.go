package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mohammad-safakhou/pplx/config"
	"github.com/mohammad-safakhou/pplx/internal/client"
	"github.com/mohammad-safakhou/pplx/internal/logging"
	"github.com/mohammad-safakhou/pplx/internal/telemetry"
	"github.com/spf13/cobra"
)

// queryOutput is the --meta rendering of a Result.
type queryOutput struct {
	Response any    `json:"response"`
	Source   string `json:"source"`
	Reason   string `json:"reason,omitempty"`
	Path     string `json:"path,omitempty"`
}

func queryCMD(flags *rootFlags) *cobra.Command {
	var meta bool
	cmd := &cobra.Command{
		Use:   "query <prompt>",
		Short: "Submit one prompt and print the recorded response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger, closer, err := logging.Open(cmd.ErrOrStderr(), cfg.General.LogLevel, cfg.General.LogFile)
			if err != nil {
				return err
			}
			defer closer.Close()

			metrics := telemetry.NewMetrics()
			defer flushMetrics(*cfg, metrics, logger)

			var res client.Result
			err = client.With(cmd.Context(), *cfg, func(ctx context.Context, c *client.Client) error {
				res, err = c.Query(ctx, args[0])
				return err
			}, flags.clientOptions(logger, metrics)...)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, meta)
		},
	}
	cmd.Flags().BoolVar(&meta, "meta", false, "wrap the response with its source, fallback reason and file path")
	return cmd
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(flags.cfgPath)
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		cfg.Storage.File.DataDir = flags.dataDir
	}
	return cfg, nil
}

func printResult(w io.Writer, res client.Result, meta bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if !meta {
		return enc.Encode(res.Response)
	}
	out := queryOutput{Response: res.Response, Source: string(res.Source), Path: res.Path}
	if res.Reason != nil {
		out.Reason = res.Reason.Error()
	}
	return enc.Encode(out)
}

func flushMetrics(cfg config.Config, m *telemetry.Metrics, logger *slog.Logger) {
	if !cfg.Telemetry.Enabled {
		return
	}
	if err := m.WriteTextfile(cfg.Telemetry.MetricsFile); err != nil {
		logger.Error("failed to write metrics", "error", err)
	}
}
