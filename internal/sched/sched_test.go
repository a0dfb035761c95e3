package sched_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pacsgather/internal/assoc"
	"github.com/roach88/pacsgather/internal/convert"
	"github.com/roach88/pacsgather/internal/dicom"
	"github.com/roach88/pacsgather/internal/find"
	"github.com/roach88/pacsgather/internal/ledger"
	"github.com/roach88/pacsgather/internal/sched"
	"github.com/roach88/pacsgather/internal/testutil"
)

type memSink struct {
	mu   sync.Mutex
	recs []convert.Record
}

func (s *memSink) Write(rec convert.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

var testNode = assoc.Node{AETitle: "FAKEPACS", Host: "fake", Port: 104}

func testConfig(peer *testutil.Peer) sched.Config {
	return sched.Config{
		Nodes: []sched.NodePlan{{
			Node:     testNode,
			MaxAssoc: 2,
			Options: assoc.Options{
				CallingAE: "GATHER",
				Timeout:   5 * time.Second,
				Dialer:    peer.Dialer(),
			},
		}},
		Queries: []find.QuerySpec{{
			Level: find.LevelStudy,
			Match: map[string]string{"PatientID": "*"},
		}},
		Fields:      []string{"StudyInstanceUID", "SOPInstanceUID"},
		RetryBudget: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
		Policy:      sched.PolicyAllOrNothing,
	}
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	lg, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })
	return lg
}

// studyPeer answers a study-level query with the given study UIDs and
// serves each C-GET with instancesPer stored items.
func studyPeer(studyUIDs []string, instancesPer int) *testutil.Peer {
	return &testutil.Peer{
		AETitle: "FAKEPACS",
		OnFind: func(*dicom.Dataset) testutil.FindScript {
			var results []*dicom.Dataset
			for i, uid := range studyUIDs {
				results = append(results, testutil.StudyDataset("PAT"+string(rune('A'+i)), uid, nil))
			}
			return testutil.FindScript{Results: results}
		},
		OnGet: func(identifier *dicom.Dataset) testutil.GetScript {
			studyUID, _ := identifier.GetString(dicom.TagStudyInstanceUID)
			var items []*dicom.Dataset
			for i := 0; i < instancesPer; i++ {
				items = append(items, testutil.InstanceDataset(studyUID, studyUID+".1", studyUID+".1."+string(rune('1'+i))))
			}
			return testutil.GetScript{Items: items}
		},
	}
}

func TestRun_CollectsAllDiscoveredStudies(t *testing.T) {
	peer := studyPeer([]string{"1.2.1", "1.2.2", "1.2.3"}, 2)
	lg := openLedger(t)
	sink := &memSink{}

	s := sched.New(testConfig(peer), lg, convert.FieldConverter{}, sink)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, report.Discovered())
	require.Equal(t, 3, report.Succeeded())
	require.Equal(t, 0, report.Failed())
	require.Equal(t, 6, sink.len())
	require.Equal(t, 3, peer.Gets())

	counts, err := lg.Counts(context.Background(), testNode.Key())
	require.NoError(t, err)
	require.Equal(t, 3, counts[ledger.StatusSucceeded])
}

func TestRun_SkipsAlreadyCollectedUnits(t *testing.T) {
	uids := []string{"1.2.1", "1.2.2", "1.2.3", "1.2.4", "1.2.5"}
	peer := studyPeer(uids, 1)
	lg := openLedger(t)
	ctx := context.Background()

	// Two studies already collected by a previous run.
	for _, uid := range uids[:2] {
		require.NoError(t, lg.Register(ctx, testNode.Key(), uid, "STUDY"))
		require.NoError(t, lg.RecordAttempt(ctx, testNode.Key(), uid))
		require.NoError(t, lg.RecordOutcome(ctx, testNode.Key(), uid, ledger.Outcome{Status: ledger.StatusSucceeded}))
	}

	sink := &memSink{}
	s := sched.New(testConfig(peer), lg, convert.FieldConverter{}, sink)
	report, err := s.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 5, report.Discovered())
	require.Equal(t, 2, report.Skipped())
	require.Equal(t, 3, report.Succeeded())
	require.Equal(t, 3, peer.Gets(), "already-collected units must not be retrieved again")
	require.Equal(t, 3, sink.len())
}

func TestRun_RerunPerformsZeroRetrievals(t *testing.T) {
	peer := studyPeer([]string{"1.2.1", "1.2.2"}, 1)
	lg := openLedger(t)

	s := sched.New(testConfig(peer), lg, convert.FieldConverter{}, &memSink{})
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, peer.Gets())

	report, err := sched.New(testConfig(peer), lg, convert.FieldConverter{}, &memSink{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, peer.Gets(), "second run against an unchanged archive must retrieve nothing")
	require.Equal(t, 2, report.Skipped())
	require.Equal(t, 0, report.Succeeded())
}

func TestRun_DedupesDuplicateDiscoveries(t *testing.T) {
	peer := studyPeer([]string{"1.2.9", "1.2.9", "1.2.9"}, 1)
	lg := openLedger(t)
	sink := &memSink{}

	report, err := sched.New(testConfig(peer), lg, convert.FieldConverter{}, sink).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, report.Discovered())
	require.Equal(t, 1, report.Succeeded())
	require.Equal(t, 1, peer.Gets())
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	peer := studyPeer([]string{"1.2.1"}, 1)
	peer.OnGet = func(*dicom.Dataset) testutil.GetScript {
		// Peer permanently out of resources.
		return testutil.GetScript{FinalStatus: 0xA701, HasFinalStatus: true}
	}
	lg := openLedger(t)

	cfg := testConfig(peer)
	cfg.RetryBudget = 2
	report, err := sched.New(cfg, lg, convert.FieldConverter{}, &memSink{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, report.Failed())
	require.Equal(t, 3, peer.Gets(), "initial attempt plus two retries")

	entry, ok, err := lg.Lookup(context.Background(), testNode.Key(), "1.2.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.StatusFailed, entry.Status)
	require.Equal(t, 3, entry.Attempts)
	require.Contains(t, entry.LastError, "retry budget exhausted")
}

func TestRun_FlakyPeerEventuallySucceeds(t *testing.T) {
	peer := studyPeer([]string{"1.2.1"}, 1)
	var mu sync.Mutex
	failures := 2
	inner := studyPeer([]string{"1.2.1"}, 1).OnGet
	peer.OnGet = func(identifier *dicom.Dataset) testutil.GetScript {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return testutil.GetScript{FinalStatus: 0xA702, HasFinalStatus: true}
		}
		return inner(identifier)
	}
	lg := openLedger(t)

	cfg := testConfig(peer)
	cfg.RetryBudget = 3
	report, err := sched.New(cfg, lg, convert.FieldConverter{}, &memSink{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, report.Succeeded())
	require.Equal(t, 0, report.Failed())

	entry, _, err := lg.Lookup(context.Background(), testNode.Key(), "1.2.1")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, entry.Status)
	require.Equal(t, 3, entry.Attempts, "the attempt count survives, only the final status is recorded")
	require.Empty(t, entry.LastError)
}

func TestRun_CompletenessPolicy(t *testing.T) {
	newPeer := func() *testutil.Peer {
		peer := studyPeer([]string{"1.2.1"}, 1)
		inner := peer.OnGet
		peer.OnGet = func(identifier *dicom.Dataset) testutil.GetScript {
			script := inner(identifier)
			script.FailedItems = 1
			return script
		}
		return peer
	}

	t.Run("all-or-nothing", func(t *testing.T) {
		peer := newPeer()
		lg := openLedger(t)
		cfg := testConfig(peer)
		cfg.Policy = sched.PolicyAllOrNothing
		cfg.RetryBudget = 0

		report, err := sched.New(cfg, lg, convert.FieldConverter{}, &memSink{}).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Failed())
		require.Equal(t, 0, report.Partial())
	})

	t.Run("best-effort", func(t *testing.T) {
		peer := newPeer()
		lg := openLedger(t)
		sink := &memSink{}
		cfg := testConfig(peer)
		cfg.Policy = sched.PolicyBestEffort
		cfg.RetryBudget = 0

		report, err := sched.New(cfg, lg, convert.FieldConverter{}, sink).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Partial())
		require.Equal(t, 0, report.Failed())
		require.Equal(t, 1, sink.len(), "delivered items are kept under best-effort")

		entry, _, err := lg.Lookup(context.Background(), testNode.Key(), "1.2.1")
		require.NoError(t, err)
		require.Equal(t, ledger.StatusPartial, entry.Status)
	})
}

func TestRun_ConnectionLostAfterDeliveryIsNotRetried(t *testing.T) {
	newPeer := func() *testutil.Peer {
		peer := studyPeer([]string{"1.2.1"}, 2)
		inner := peer.OnGet
		peer.OnGet = func(identifier *dicom.Dataset) testutil.GetScript {
			script := inner(identifier)
			script.DropAfter = 1
			return script
		}
		return peer
	}

	t.Run("all-or-nothing", func(t *testing.T) {
		peer := newPeer()
		lg := openLedger(t)
		sink := &memSink{}

		report, err := sched.New(testConfig(peer), lg, convert.FieldConverter{}, sink).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Failed())
		require.Equal(t, 1, peer.Gets(), "a transfer broken after delivery must not rerun")
		require.Equal(t, 1, sink.len(), "each delivered item reaches the sink exactly once")

		entry, _, err := lg.Lookup(context.Background(), testNode.Key(), "1.2.1")
		require.NoError(t, err)
		require.Equal(t, ledger.StatusFailed, entry.Status)
		require.Contains(t, entry.LastError, "connection lost")
	})

	t.Run("best-effort", func(t *testing.T) {
		peer := newPeer()
		lg := openLedger(t)
		sink := &memSink{}
		cfg := testConfig(peer)
		cfg.Policy = sched.PolicyBestEffort

		report, err := sched.New(cfg, lg, convert.FieldConverter{}, sink).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Partial())
		require.Equal(t, 1, peer.Gets())
		require.Equal(t, 1, sink.len())

		entry, _, err := lg.Lookup(context.Background(), testNode.Key(), "1.2.1")
		require.NoError(t, err)
		require.Equal(t, ledger.StatusPartial, entry.Status)
	})
}

func TestRun_PartialDiscovery(t *testing.T) {
	newPeer := func() *testutil.Peer {
		peer := studyPeer([]string{"1.2.1", "1.2.2", "1.2.3"}, 1)
		inner := peer.OnFind
		peer.OnFind = func(identifier *dicom.Dataset) testutil.FindScript {
			script := inner(identifier)
			script.TruncateAfter = 2
			script.FinalStatus = 0xA700
			return script
		}
		return peer
	}

	t.Run("rejected by default", func(t *testing.T) {
		peer := newPeer()
		lg := openLedger(t)

		_, err := sched.New(testConfig(peer), lg, convert.FieldConverter{}, &memSink{}).Run(context.Background())
		require.Error(t, err)
		require.True(t, find.IsPartial(err))
		require.Equal(t, 0, peer.Gets(), "no retrieval on a failed discovery")
	})

	t.Run("accepted when configured", func(t *testing.T) {
		peer := newPeer()
		lg := openLedger(t)
		cfg := testConfig(peer)
		cfg.AcceptPartialDiscovery = true

		report, err := sched.New(cfg, lg, convert.FieldConverter{}, &memSink{}).Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, report.Discovered())
		require.Equal(t, 2, report.Succeeded())
	})
}

func TestRun_CancellationLeavesResumableState(t *testing.T) {
	peer := studyPeer([]string{"1.2.1", "1.2.2"}, 1)
	lg := openLedger(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel during the first retrieval; with a single worker the second
	// task is guaranteed to observe the cancellation.
	inner := peer.OnGet
	peer.OnGet = func(identifier *dicom.Dataset) testutil.GetScript {
		cancel()
		return inner(identifier)
	}

	cfg := testConfig(peer)
	cfg.Nodes[0].MaxAssoc = 1
	_, err := sched.New(cfg, lg, convert.FieldConverter{}, &memSink{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// A fresh run finishes the job: stale in_progress rows recover to
	// pending and nothing recorded as done is redone.
	peer2 := studyPeer([]string{"1.2.1", "1.2.2"}, 1)
	report, err := sched.New(testConfig(peer2), lg, convert.FieldConverter{}, &memSink{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.Failed())
	require.Equal(t, 2, report.Succeeded()+report.Skipped())
}

func TestRun_ReportGolden(t *testing.T) {
	peer := studyPeer([]string{"1.2.840.1.1", "1.2.840.1.2"}, 1)
	inner := peer.OnGet
	peer.OnGet = func(identifier *dicom.Dataset) testutil.GetScript {
		if uid, _ := identifier.GetString(dicom.TagStudyInstanceUID); uid == "1.2.840.1.2" {
			return testutil.GetScript{FailedItems: 1, FinalStatus: 0xC000, HasFinalStatus: true}
		}
		return inner(identifier)
	}
	lg := openLedger(t)

	cfg := testConfig(peer)
	cfg.RetryBudget = 0
	s := sched.New(cfg, lg, convert.FieldConverter{}, &memSink{},
		sched.WithJobID("0199c0de-0000-7000-8000-000000000001"))
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "report", []byte(report.Render()))
}

func TestState_TransitionsAreOrdered(t *testing.T) {
	for _, s := range []sched.State{sched.StateSucceeded, sched.StatePartial, sched.StateFailed} {
		require.True(t, s.Terminal())
	}
	for _, s := range []sched.State{sched.StateDiscovered, sched.StateQueued, sched.StateDispatched, sched.StateRetrying} {
		require.False(t, s.Terminal())
	}
}

func TestReport_RenderIsDeterministic(t *testing.T) {
	peer := studyPeer([]string{"1.2.1"}, 1)
	lg := openLedger(t)

	report, err := sched.New(testConfig(peer), lg, convert.FieldConverter{}, &memSink{},
		sched.WithJobID("fixed")).Run(context.Background())
	require.NoError(t, err)

	first := report.Render()
	require.Equal(t, first, report.Render())
	require.True(t, strings.HasPrefix(first, "job fixed"))
}
