package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/mohammad-safakhou/pplx/config"
	"github.com/mohammad-safakhou/pplx/internal/client"
	"github.com/mohammad-safakhou/pplx/internal/logging"
	"github.com/mohammad-safakhou/pplx/internal/telemetry"
	"github.com/spf13/cobra"
)

// selftestPrompts covers one Estonian and one English question.
var selftestPrompts = []string{
	"Mis on Eesti pealinn?",
	"What is the capital of Estonia?",
}

func selftestCMD(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the post-install integration check and log its outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logFile := cfg.General.LogFile
			if logFile == "" {
				logFile = filepath.Join(cfg.Storage.File.DataDir, "post_install.log")
			}
			logger, closer, err := logging.Open(cmd.ErrOrStderr(), cfg.General.LogLevel, logFile)
			if err != nil {
				return err
			}
			defer closer.Close()

			metrics := telemetry.NewMetrics()
			defer flushMetrics(*cfg, metrics, logger)

			runSelfTest(cmd.Context(), *cfg, logger, flags.clientOptions(logger, metrics)...)
			return nil
		},
	}
}

// runSelfTest queries every prompt through one client. Failures are logged,
// never returned.
func runSelfTest(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...client.Option) {
	logger.Info("starting post-installation tasks")

	err := client.With(ctx, cfg, func(ctx context.Context, c *client.Client) error {
		for _, prompt := range selftestPrompts {
			res, err := c.Query(ctx, prompt)
			if err != nil {
				return err
			}
			attrs := []any{
				"prompt", prompt,
				"source", res.Source,
				"answer", res.Response.Answer.Text,
				"citations", len(res.Response.Answer.Citations),
				"path", res.Path,
			}
			if res.Reason != nil {
				attrs = append(attrs, "reason", res.Reason)
			}
			logger.Info("query test successful", attrs...)
		}
		return nil
	}, opts...)
	if err != nil {
		logger.Error("query test failed", "error", err)
	}

	logger.Info("post-installation tasks completed")
}
