package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pacsgather/internal/ledger"
)

func TestStatus_SummarizesLedger(t *testing.T) {
	cfgPath, ledgerPath, _ := writeTestConfig(t)
	ctx := context.Background()

	lg, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	nodeID := "FAKEPACS@fake:104"
	require.NoError(t, lg.Register(ctx, nodeID, "1.2.1", "STUDY"))
	require.NoError(t, lg.Register(ctx, nodeID, "1.2.2", "STUDY"))
	require.NoError(t, lg.RecordAttempt(ctx, nodeID, "1.2.2"))
	require.NoError(t, lg.RecordOutcome(ctx, nodeID, "1.2.2",
		ledger.Outcome{Status: ledger.StatusFailed, LastError: "peer refused"}))
	require.NoError(t, lg.Close())

	buf := &bytes.Buffer{}
	opts := &StatusOptions{
		RootOptions: &RootOptions{Format: "text", Config: cfgPath},
		ShowFailed:  true,
	}
	require.NoError(t, runStatus(newTestCommand(buf), opts))

	out := buf.String()
	assert.Contains(t, out, "node FAKEPACS@fake:104")
	assert.Contains(t, out, "pending 1, in progress 0, succeeded 0, partial 0, failed 1")
	assert.Contains(t, out, "1.2.2: peer refused")
}

func TestStatus_EmptyLedger(t *testing.T) {
	cfgPath, _, _ := writeTestConfig(t)

	buf := &bytes.Buffer{}
	opts := &StatusOptions{
		RootOptions: &RootOptions{Format: "text", Config: cfgPath},
	}
	require.NoError(t, runStatus(newTestCommand(buf), opts))
	assert.Contains(t, buf.String(), "pending 0, in progress 0, succeeded 0, partial 0, failed 0")
}
