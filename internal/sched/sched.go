// Package sched turns discovery results into an ordered, bounded stream
// of retrieval tasks and executes them against pooled associations, one
// worker pool per node, with retry, backoff, and ledger reconciliation.
//
// Ordering: tasks for the same node dispatch in discovery order; no
// ordering holds across nodes. Duplicate discoveries of one unit
// collapse to a single task. A ledger PersistenceError halts the whole
// job — correctness cannot be guaranteed without durable state.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pacsgather/internal/assoc"
	"github.com/roach88/pacsgather/internal/convert"
	"github.com/roach88/pacsgather/internal/find"
	"github.com/roach88/pacsgather/internal/ledger"
	"github.com/roach88/pacsgather/internal/retrieve"
)

// Policy decides whether a task with failed sub-items counts as success.
type Policy string

const (
	// PolicyAllOrNothing fails the task unless every item arrived clean.
	PolicyAllOrNothing Policy = "all-or-nothing"
	// PolicyBestEffort accepts a task when at least one item succeeded.
	PolicyBestEffort Policy = "best-effort"
)

// Peer-busy C-GET statuses worth retrying on a fresh association.
const (
	statusBusyMatches = 0xA701
	statusBusySubOps  = 0xA702
)

// NodePlan is one node's scheduling parameters.
type NodePlan struct {
	Node     assoc.Node
	MaxAssoc int
	Options  assoc.Options
}

// Config is the static job configuration the scheduler consumes.
type Config struct {
	Nodes   []NodePlan
	Queries []find.QuerySpec
	// Fields are the attribute keywords converted into each record.
	Fields []string
	// RetryBudget is the number of retries after the initial attempt.
	RetryBudget int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Policy      Policy
	// AcceptPartialDiscovery keeps the units received before a query
	// died mid-stream instead of failing the node.
	AcceptPartialDiscovery bool
}

func (c Config) withDefaults() Config {
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.Policy == "" {
		c.Policy = PolicyBestEffort
	}
	return c
}

// Scheduler runs one collection job.
type Scheduler struct {
	cfg    Config
	ledger *ledger.Ledger
	conv   convert.Converter
	sink   convert.Sink
	jobID  string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobID overrides the generated job id. Tests use this for
// deterministic reports.
func WithJobID(id string) Option {
	return func(s *Scheduler) { s.jobID = id }
}

// New creates a scheduler for one job.
func New(cfg Config, lg *ledger.Ledger, conv convert.Converter, sink convert.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		ledger: lg,
		conv:   conv,
		sink:   sink,
		jobID:  uuid.Must(uuid.NewV7()).String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the job: discovery, ledger filtering, and dispatch, per
// node in parallel. The returned report is populated even when err is
// non-nil (cancelled or halted jobs report what they finished).
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	report := &Report{JobID: s.jobID, Policy: s.cfg.Policy}
	slog.Info("job starting",
		"job", s.jobID,
		"nodes", len(s.cfg.Nodes),
		"queries", len(s.cfg.Queries),
	)

	g, gctx := errgroup.WithContext(ctx)
	nodeReports := make([]*NodeReport, len(s.cfg.Nodes))
	for i, plan := range s.cfg.Nodes {
		i, plan := i, plan
		nodeReports[i] = newNodeReport(plan.Node.Key())
		g.Go(func() error {
			return s.runNode(gctx, plan, nodeReports[i])
		})
	}
	err := g.Wait()
	report.Nodes = nodeReports

	slog.Info("job finished",
		"job", s.jobID,
		"succeeded", report.Succeeded(),
		"partial", report.Partial(),
		"failed", report.Failed(),
		"error", err,
	)
	return report, err
}

func (s *Scheduler) runNode(ctx context.Context, plan NodePlan, nr *NodeReport) error {
	nodeID := plan.Node.Key()

	recovered, err := s.ledger.RecoverStale(ctx, nodeID)
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Warn("recovered stale in-progress units from a previous run",
			"node", nodeID,
			"units", recovered,
		)
	}

	maxAssoc := plan.MaxAssoc
	if maxAssoc <= 0 {
		maxAssoc = 1
	}
	pool := assoc.NewPool(plan.Node, maxAssoc, plan.Options)
	defer pool.Close()

	tasks, err := s.discover(ctx, pool, nodeID, nr)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	return s.dispatch(ctx, pool, nodeID, tasks, maxAssoc, nr)
}

// discover runs every configured query against the node, dedupes units,
// registers them in the ledger, and returns tasks for units that are
// not already terminal. Retryable transport failures restart the query
// in full (a C-FIND sequence is not restartable mid-stream).
func (s *Scheduler) discover(ctx context.Context, pool *assoc.Pool, nodeID string, nr *NodeReport) ([]*Task, error) {
	seen := make(map[string]bool)
	var tasks []*Task

	for _, spec := range s.cfg.Queries {
		var units []find.DiscoveredUnit
		var qerr error
		for attempt := 0; ; attempt++ {
			units, qerr = s.runQuery(ctx, pool, spec)
			if qerr == nil || !assoc.IsRetryable(qerr) || attempt >= s.cfg.RetryBudget {
				break
			}
			if err := sleepCtx(ctx, s.backoff().ForAttempt(float64(attempt))); err != nil {
				return nil, err
			}
		}
		if qerr != nil {
			if find.IsPartial(qerr) && s.cfg.AcceptPartialDiscovery {
				slog.Warn("accepting partial discovery results",
					"node", nodeID,
					"received", len(units),
					"error", qerr,
				)
			} else {
				return nil, fmt.Errorf("discovery on %s: %w", nodeID, qerr)
			}
		}

		for _, u := range units {
			uid := u.UID()
			if uid == "" || seen[uid] {
				continue
			}
			seen[uid] = true
			nr.addDiscovered()

			if err := s.ledger.Register(ctx, nodeID, uid, string(u.Level)); err != nil {
				return nil, err
			}
			entry, ok, err := s.ledger.Lookup(ctx, nodeID, uid)
			if err != nil {
				return nil, err
			}
			if ok && entry.Status.Terminal() {
				nr.addSkipped()
				continue
			}
			tasks = append(tasks, &Task{
				Unit:   u,
				NodeID: nodeID,
				State:  StateDiscovered,
			})
		}
	}
	slog.Info("discovery complete",
		"node", nodeID,
		"discovered", nr.snapshot().Discovered,
		"to_retrieve", len(tasks),
		"skipped", nr.snapshot().Skipped,
	)
	return tasks, nil
}

func (s *Scheduler) runQuery(ctx context.Context, pool *assoc.Pool, spec find.QuerySpec) ([]find.DiscoveredUnit, error) {
	a, err := pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	results, err := find.Discover(ctx, a, spec)
	if err != nil {
		pool.Checkin(a, true)
		return nil, err
	}
	units, err := results.Drain()
	pool.Checkin(a, err != nil)
	return units, err
}

// dispatch runs the node's worker pool over the task queue. The queue
// is buffered for every task so backoff requeues never block; the
// channel closes when the last task reaches a terminal state.
func (s *Scheduler) dispatch(ctx context.Context, pool *assoc.Pool, nodeID string, tasks []*Task, workers int, nr *NodeReport) error {
	queue := make(chan *Task, len(tasks))
	var outstanding atomic.Int64
	outstanding.Store(int64(len(tasks)))
	finish := func() {
		if outstanding.Add(-1) == 0 {
			close(queue)
		}
	}
	requeue := func(t *Task, delay time.Duration) {
		time.AfterFunc(delay, func() { queue <- t })
	}

	for _, t := range tasks {
		if err := t.transition(StateDiscovered, StateQueued); err != nil {
			return err
		}
		queue <- t
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case t, ok := <-queue:
					if !ok {
						return nil
					}
					if err := sleepCtx(gctx, time.Until(t.NotBefore)); err != nil {
						return err
					}
					if err := s.runTask(gctx, pool, nodeID, t, nr, requeue, finish); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// runTask executes one dispatch of a task and reconciles the outcome
// into the ledger. Only ledger failures and cancellation propagate as
// errors; task-level failures are terminal states, not job errors.
func (s *Scheduler) runTask(ctx context.Context, pool *assoc.Pool, nodeID string, t *Task, nr *NodeReport, requeue func(*Task, time.Duration), finish func()) error {
	if t.Attempts == 0 {
		if err := s.ledger.RecordAttempt(ctx, nodeID, t.Unit.UID()); err != nil {
			if ledger.IsConflict(err) {
				// Another writer holds this unit; back off for good.
				slog.Warn("concurrent attempt detected, skipping unit",
					"node", nodeID,
					"unit", t.Unit.UID(),
				)
				nr.addConflict()
				finish()
				return nil
			}
			return err
		}
	} else {
		if err := s.ledger.RecordRetry(ctx, nodeID, t.Unit.UID()); err != nil {
			return err
		}
	}
	t.Attempts++
	if err := t.transition(StateQueued, StateDispatched); err != nil {
		return err
	}

	out, rerr := s.execute(ctx, pool, t)
	if rerr != nil && ctx.Err() != nil {
		// Cancellation: leave the unit in_progress; RecoverStale on the
		// next run returns it to pending. Recorded outcomes of other
		// tasks are never rolled back.
		return ctx.Err()
	}

	switch {
	case rerr == nil && out.Clean():
		return s.finishTask(ctx, t, nr, StateSucceeded, ledger.Outcome{Status: ledger.StatusSucceeded}, finish)

	case rerr == nil && s.retryableStatus(out):
		return s.maybeRetry(ctx, t, nr, fmt.Errorf("peer busy (status %#x)", out.Status), requeue, finish)

	case rerr == nil:
		if s.cfg.Policy == PolicyBestEffort && out.Delivered > 0 {
			lastErr := ""
			if out.ItemErrors != nil {
				lastErr = out.ItemErrors.Error()
			}
			return s.finishTask(ctx, t, nr, StatePartial,
				ledger.Outcome{Status: ledger.StatusPartial, LastError: lastErr}, finish)
		}
		reason := fmt.Errorf("incomplete retrieval: %d delivered, %d failed (status %#x)",
			out.Delivered, out.PeerFailed+out.ConversionFailures, out.Status)
		return s.failTask(ctx, t, nr, reason, finish)

	case assoc.IsRetryable(rerr):
		if out.Delivered == 0 {
			return s.maybeRetry(ctx, t, nr, rerr, requeue, finish)
		}
		// Items already reached the sink; a retry would deliver them
		// again. Settle the task under the completeness policy.
		if s.cfg.Policy == PolicyBestEffort {
			return s.finishTask(ctx, t, nr, StatePartial,
				ledger.Outcome{Status: ledger.StatusPartial, LastError: rerr.Error()}, finish)
		}
		return s.failTask(ctx, t, nr,
			fmt.Errorf("connection lost after %d delivered items: %w", out.Delivered, rerr), finish)

	default:
		return s.failTask(ctx, t, nr, rerr, finish)
	}
}

func (s *Scheduler) execute(ctx context.Context, pool *assoc.Pool, t *Task) (retrieve.Outcome, error) {
	a, err := pool.Checkout(ctx)
	if err != nil {
		return retrieve.Outcome{}, err
	}
	out, rerr := retrieve.Retrieve(ctx, a, t.Unit, s.conv, s.cfg.Fields, s.sink)
	pool.Checkin(a, rerr != nil)
	return out, rerr
}

func (s *Scheduler) retryableStatus(out retrieve.Outcome) bool {
	return out.Delivered == 0 && (out.Status == statusBusyMatches || out.Status == statusBusySubOps)
}

// maybeRetry requeues the task with exponential backoff, or fails it
// terminally once the budget is spent. Intermediate failures never
// reach the ledger; only the attempt count reflects them.
func (s *Scheduler) maybeRetry(ctx context.Context, t *Task, nr *NodeReport, cause error, requeue func(*Task, time.Duration), finish func()) error {
	t.LastErr = cause
	if t.Attempts > s.cfg.RetryBudget {
		return s.failTask(ctx, t, nr, fmt.Errorf("retry budget exhausted after %d attempts: %w", t.Attempts, cause), finish)
	}
	if err := t.transition(StateDispatched, StateRetrying); err != nil {
		return err
	}
	delay := s.backoff().ForAttempt(float64(t.Attempts - 1))
	t.NotBefore = time.Now().Add(delay)
	if err := t.transition(StateRetrying, StateQueued); err != nil {
		return err
	}
	slog.Debug("task retrying",
		"node", t.NodeID,
		"unit", t.Unit.UID(),
		"attempt", t.Attempts,
		"delay", delay,
		"error", cause,
	)
	requeue(t, delay)
	return nil
}

func (s *Scheduler) failTask(ctx context.Context, t *Task, nr *NodeReport, cause error, finish func()) error {
	t.LastErr = cause
	return s.finishTask(ctx, t, nr, StateFailed,
		ledger.Outcome{Status: ledger.StatusFailed, LastError: cause.Error()}, finish)
}

func (s *Scheduler) finishTask(ctx context.Context, t *Task, nr *NodeReport, state State, out ledger.Outcome, finish func()) error {
	if err := t.transition(StateDispatched, state); err != nil {
		return err
	}
	if err := s.ledger.RecordOutcome(ctx, t.NodeID, t.Unit.UID(), out); err != nil {
		return err
	}
	nr.addTerminal(state, t.Unit.UID(), out.LastError)
	finish()
	return nil
}

func (s *Scheduler) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    s.cfg.BackoffBase,
		Max:    s.cfg.BackoffCap,
		Factor: 2,
		Jitter: true,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
