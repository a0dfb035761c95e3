package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pacsgather/internal/ledger"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	ShowFailed bool
}

type nodeStatus struct {
	Node       string            `json:"node"`
	Pending    int               `json:"pending"`
	InProgress int               `json:"in_progress"`
	Succeeded  int               `json:"succeeded"`
	Partial    int               `json:"partial"`
	Failed     int               `json:"failed"`
	FailedUIDs map[string]string `json:"failed_units,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger progress for each configured node",
		Long: `Summarize the progress ledger: how many units are pending, in
progress, collected, or failed on each configured node.

Example:
  pacsgather status --config job.yaml --failed`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.ShowFailed, "failed", false, "list failed units with their last error")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	lg, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer lg.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var statuses []nodeStatus
	for _, np := range cfg.Plan().Nodes {
		st, err := nodeStatusFor(ctx, lg, np.Node.Key(), opts.ShowFailed)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read ledger", err)
		}
		statuses = append(statuses, st)
	}

	var b strings.Builder
	for _, st := range statuses {
		fmt.Fprintf(&b, "node %s\n", st.Node)
		fmt.Fprintf(&b, "  pending %d, in progress %d, succeeded %d, partial %d, failed %d\n",
			st.Pending, st.InProgress, st.Succeeded, st.Partial, st.Failed)
		uids := make([]string, 0, len(st.FailedUIDs))
		for uid := range st.FailedUIDs {
			uids = append(uids, uid)
		}
		sort.Strings(uids)
		for _, uid := range uids {
			fmt.Fprintf(&b, "  %s: %s\n", uid, st.FailedUIDs[uid])
		}
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := formatter.Emit(statuses, b.String()); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	return nil
}

func nodeStatusFor(ctx context.Context, lg *ledger.Ledger, nodeID string, showFailed bool) (nodeStatus, error) {
	counts, err := lg.Counts(ctx, nodeID)
	if err != nil {
		return nodeStatus{}, err
	}
	st := nodeStatus{
		Node:       nodeID,
		Pending:    counts[ledger.StatusPending],
		InProgress: counts[ledger.StatusInProgress],
		Succeeded:  counts[ledger.StatusSucceeded],
		Partial:    counts[ledger.StatusPartial],
		Failed:     counts[ledger.StatusFailed],
	}
	if showFailed && st.Failed > 0 {
		entries, err := lg.ListFailed(ctx, nodeID)
		if err != nil {
			return nodeStatus{}, err
		}
		st.FailedUIDs = make(map[string]string, len(entries))
		for _, e := range entries {
			st.FailedUIDs[e.UnitUID] = e.LastError
		}
	}
	return st, nil
}
