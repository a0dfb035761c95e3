package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind_WritesUnitsAsCSV(t *testing.T) {
	cfgPath, _, _ := writeTestConfig(t)
	peer := collectPeer("1.2.1", "1.2.2")

	buf := &bytes.Buffer{}
	opts := &FindOptions{
		RootOptions: &RootOptions{Format: "text", Config: cfgPath},
		Dialer:      peer.Dialer(),
	}
	require.NoError(t, runFind(newTestCommand(buf), opts))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "node,level,uid,PatientID,SOPInstanceUID", lines[0])
	assert.Contains(t, lines[1], "FAKEPACS@fake:104,STUDY,1.2.1")
	assert.Equal(t, 0, peer.Gets(), "find must not retrieve")
}
