package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/pacsgather/internal/convert"
	"github.com/roach88/pacsgather/internal/ledger"
	"github.com/roach88/pacsgather/internal/sched"
)

// CollectOptions holds flags for the collect command.
type CollectOptions struct {
	*RootOptions
	RetryFailed bool

	// Dialer overrides the network dialer (for testing).
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// NewCollectCommand creates the collect command.
func NewCollectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CollectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run a full collection job",
		Long: `Discover matching units on every configured node, retrieve them,
and convert each into a CSV record. Progress is recorded in the ledger;
an interrupted or re-run job retrieves only what is still missing.

Example:
  pacsgather collect --config job.yaml
  pacsgather collect --config job.yaml --retry-failed`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.RetryFailed, "retry-failed", false, "reset failed units to pending before the run")

	return cmd
}

func runCollect(cmd *cobra.Command, opts *CollectOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	lg, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer func() {
		if closeErr := lg.Close(); closeErr != nil {
			slog.Error("error closing ledger", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	plan := cfg.Plan()
	if opts.Dialer != nil {
		for i := range plan.Nodes {
			plan.Nodes[i].Options.Dialer = opts.Dialer
		}
	}

	if opts.RetryFailed {
		for _, np := range plan.Nodes {
			if err := resetFailed(ctx, lg, np.Node.Key()); err != nil {
				return WrapExitError(ExitCommandError, "failed to reset failed units", err)
			}
		}
	}

	sink, cleanup, err := openSink(cfg.Output, cmd, plan.Fields)
	if err != nil {
		return err
	}
	defer cleanup()

	report, runErr := sched.New(plan, lg, convert.FieldConverter{}, sink).Run(ctx)

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if report != nil {
		if err := formatter.Emit(report.Summary(), report.Render()); err != nil {
			return WrapExitError(ExitCommandError, "failed to write report", err)
		}
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "collection did not complete", runErr)
	}
	if report.Failed() > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d units failed", report.Failed()))
	}
	return nil
}

// openSink resolves the record destination: the configured CSV path in
// append mode, or the command's stdout when none is configured.
func openSink(path string, cmd *cobra.Command, header []string) (*convert.CSVSink, func(), error) {
	if path == "" {
		return convert.NewCSVSink(cmd.OutOrStdout(), header), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open output file", err)
	}
	sink := convert.NewCSVSink(f, header)
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		sink.SkipHeader()
	}
	return sink, func() { f.Close() }, nil
}

func resetFailed(ctx context.Context, lg *ledger.Ledger, nodeID string) error {
	failed, err := lg.ListFailed(ctx, nodeID)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	uids := make([]string, len(failed))
	for i, e := range failed {
		uids[i] = e.UnitUID
	}
	n, err := lg.Reset(ctx, nodeID, uids)
	if err != nil {
		return err
	}
	slog.Info("reset failed units to pending", "node", nodeID, "units", n)
	return nil
}
