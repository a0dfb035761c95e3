package sched

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NodeReport accumulates one node's tallies. Safe for concurrent use by
// the node's workers.
type NodeReport struct {
	NodeID string

	mu         sync.Mutex
	discovered int
	skipped    int
	conflicts  int
	succeeded  int
	partial    int
	failed     int
	// errors maps unit UID to the last error string for units that
	// ended failed or partial.
	errors map[string]string
}

func newNodeReport(nodeID string) *NodeReport {
	return &NodeReport{NodeID: nodeID, errors: make(map[string]string)}
}

func (nr *NodeReport) addDiscovered() {
	nr.mu.Lock()
	nr.discovered++
	nr.mu.Unlock()
}

func (nr *NodeReport) addSkipped() {
	nr.mu.Lock()
	nr.skipped++
	nr.mu.Unlock()
}

func (nr *NodeReport) addConflict() {
	nr.mu.Lock()
	nr.conflicts++
	nr.mu.Unlock()
}

func (nr *NodeReport) addTerminal(state State, unitUID, lastErr string) {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	switch state {
	case StateSucceeded:
		nr.succeeded++
	case StatePartial:
		nr.partial++
	case StateFailed:
		nr.failed++
	}
	if lastErr != "" {
		nr.errors[unitUID] = lastErr
	}
}

// Counts is a point-in-time copy of a node's tallies.
type Counts struct {
	Discovered int `json:"discovered"`
	Skipped    int `json:"skipped"`
	Conflicts  int `json:"conflicts,omitempty"`
	Succeeded  int `json:"succeeded"`
	Partial    int `json:"partial"`
	Failed     int `json:"failed"`
}

func (nr *NodeReport) snapshot() Counts {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return Counts{
		Discovered: nr.discovered,
		Skipped:    nr.skipped,
		Conflicts:  nr.conflicts,
		Succeeded:  nr.succeeded,
		Partial:    nr.partial,
		Failed:     nr.failed,
	}
}

// Errors returns the per-unit error strings, keyed by unit UID.
func (nr *NodeReport) Errors() map[string]string {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	out := make(map[string]string, len(nr.errors))
	for k, v := range nr.errors {
		out[k] = v
	}
	return out
}

// Report is the job-level summary returned by Run.
type Report struct {
	JobID  string
	Policy Policy
	Nodes  []*NodeReport
}

func (r *Report) total(f func(Counts) int) int {
	n := 0
	for _, nr := range r.Nodes {
		n += f(nr.snapshot())
	}
	return n
}

func (r *Report) Discovered() int { return r.total(func(c Counts) int { return c.Discovered }) }
func (r *Report) Skipped() int    { return r.total(func(c Counts) int { return c.Skipped }) }
func (r *Report) Succeeded() int  { return r.total(func(c Counts) int { return c.Succeeded }) }
func (r *Report) Partial() int    { return r.total(func(c Counts) int { return c.Partial }) }
func (r *Report) Failed() int     { return r.total(func(c Counts) int { return c.Failed }) }

// NodeSummary is the exported snapshot of one node's results.
type NodeSummary struct {
	Node string `json:"node"`
	Counts
	Errors map[string]string `json:"errors,omitempty"`
}

// Summary is the exported, marshalable form of the report.
type Summary struct {
	JobID  string        `json:"job_id"`
	Policy Policy        `json:"policy"`
	Nodes  []NodeSummary `json:"nodes"`
}

// Summary snapshots the report for serialization.
func (r *Report) Summary() Summary {
	s := Summary{JobID: r.JobID, Policy: r.Policy}
	for _, nr := range r.Nodes {
		ns := NodeSummary{Node: nr.NodeID, Counts: nr.snapshot()}
		if errs := nr.Errors(); len(errs) > 0 {
			ns.Errors = errs
		}
		s.Nodes = append(s.Nodes, ns)
	}
	return s
}

// Render formats the report as plain text. Output is deterministic:
// nodes in configured order, failed units sorted by UID.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s (policy %s)\n", r.JobID, r.Policy)
	for _, nr := range r.Nodes {
		c := nr.snapshot()
		fmt.Fprintf(&b, "node %s\n", nr.NodeID)
		fmt.Fprintf(&b, "  discovered %d, skipped %d, succeeded %d, partial %d, failed %d\n",
			c.Discovered, c.Skipped, c.Succeeded, c.Partial, c.Failed)
		if c.Conflicts > 0 {
			fmt.Fprintf(&b, "  conflicts %d\n", c.Conflicts)
		}
		errs := nr.Errors()
		uids := make([]string, 0, len(errs))
		for uid := range errs {
			uids = append(uids, uid)
		}
		sort.Strings(uids)
		for _, uid := range uids {
			fmt.Fprintf(&b, "  %s: %s\n", uid, errs[uid])
		}
	}
	return b.String()
}
