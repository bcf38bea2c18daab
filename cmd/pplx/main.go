package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/pplx/internal/client"
	"github.com/mohammad-safakhou/pplx/internal/telemetry"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCMD().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type rootFlags struct {
	cfgPath string
	dataDir string
	// extra is appended to the client options; tests use it to swap the browser.
	extra []client.Option
}

func (f *rootFlags) clientOptions(logger *slog.Logger, m *telemetry.Metrics) []client.Option {
	opts := []client.Option{client.WithLogger(logger), client.WithMetrics(m)}
	return append(opts, f.extra...)
}

func newRootCMD(extra ...client.Option) *cobra.Command {
	flags := &rootFlags{extra: extra}
	var root = &cobra.Command{
		Use:           "pplx",
		Short:         "Ask the Perplexity web assistant through a headless browser",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "directory for response JSON files (overrides storage.file.data_dir)")

	root.AddCommand(queryCMD(flags), selftestCMD(flags))
	return root
}
