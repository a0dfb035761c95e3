package cli

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pacsgather/internal/assoc"
	"github.com/roach88/pacsgather/internal/convert"
	"github.com/roach88/pacsgather/internal/find"
	"github.com/roach88/pacsgather/internal/sched"
)

// FindOptions holds flags for the find command.
type FindOptions struct {
	*RootOptions
	Out string

	// Dialer overrides the network dialer (for testing).
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Run discovery only and write the matches as CSV",
		Long: `Query each configured node with the configured C-FIND and write
every matching unit as a CSV row, without retrieving anything.

Example:
  pacsgather find --config job.yaml --out studies.csv`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFind(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "CSV destination (default stdout)")

	return cmd
}

func runFind(cmd *cobra.Command, opts *FindOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := cmd.OutOrStdout()
	if opts.Out != "" {
		f, err := os.Create(opts.Out)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create output file", err)
		}
		defer f.Close()
		out = f
	}

	header := append([]string{"node", "level", "uid"}, cfg.Query.Fields...)
	sink := convert.NewCSVSink(out, header)

	plan := cfg.Plan()
	for _, np := range plan.Nodes {
		if opts.Dialer != nil {
			np.Options.Dialer = opts.Dialer
		}
		if err := findOnNode(ctx, np, plan.Queries, cfg.Query.Fields, sink); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("discovery on %s failed", np.Node.Key()), err)
		}
	}
	return nil
}

func findOnNode(ctx context.Context, np sched.NodePlan, queries []find.QuerySpec, fields []string, sink *convert.CSVSink) error {
	a, err := assoc.Open(ctx, np.Node, np.Options)
	if err != nil {
		return err
	}
	defer a.Release(ctx)

	for _, spec := range queries {
		results, err := find.Discover(ctx, a, spec)
		if err != nil {
			return err
		}
		units, err := results.Drain()
		if err != nil {
			return err
		}
		for _, u := range units {
			row := convert.Record{Values: make([]string, 0, 3+len(fields))}
			row.Values = append(row.Values, np.Node.Key(), string(u.Level), u.UID())
			for _, kw := range fields {
				row.Values = append(row.Values, u.Fields[kw])
			}
			if err := sink.Write(row); err != nil {
				return err
			}
		}
	}
	return nil
}
