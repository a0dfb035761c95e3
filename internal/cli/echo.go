package cli

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pacsgather/internal/assoc"
)

// EchoOptions holds flags for the echo command.
type EchoOptions struct {
	*RootOptions

	// Dialer overrides the network dialer (for testing).
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

type echoResult struct {
	Node  string `json:"node"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewEchoCommand creates the echo command.
func NewEchoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EchoOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "echo",
		Short: "Verify connectivity to every configured node",
		Long: `Open an association to each configured node and perform a C-ECHO.

Example:
  pacsgather echo --config job.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEcho(cmd, opts)
		},
	}
}

func runEcho(cmd *cobra.Command, opts *EchoOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var results []echoResult
	failures := 0
	for _, plan := range cfg.Plan().Nodes {
		nodeOpts := plan.Options
		if opts.Dialer != nil {
			nodeOpts.Dialer = opts.Dialer
		}
		res := echoResult{Node: plan.Node.Key(), OK: true}
		if err := echoNode(ctx, plan.Node, nodeOpts); err != nil {
			res.OK = false
			res.Error = err.Error()
			failures++
		}
		results = append(results, res)
	}

	var b strings.Builder
	for _, res := range results {
		if res.OK {
			fmt.Fprintf(&b, "%s: ok\n", res.Node)
		} else {
			fmt.Fprintf(&b, "%s: %s\n", res.Node, res.Error)
		}
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := formatter.Emit(results, b.String()); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	if failures > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d nodes unreachable", failures, len(results)))
	}
	return nil
}

func echoNode(ctx context.Context, node assoc.Node, opts assoc.Options) error {
	a, err := assoc.Open(ctx, node, opts)
	if err != nil {
		return err
	}
	defer a.Release(ctx)
	return a.Echo(ctx)
}
