package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitvm/bridge"
	"github.com/bitvm/bridge/client"
	"github.com/stretchr/testify/require"
)

// testCLI runs commands against a bridge directory with a local blob store.
type testCLI struct {
	dir string
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()

	dir := t.TempDir()
	conf := fmt.Sprintf("[Application Options]\nstore.local.path=%s\n",
		filepath.Join(dir, "store"))
	err := os.WriteFile(
		filepath.Join(dir, bridge.DefaultConfigFilename), []byte(conf),
		0600,
	)
	require.NoError(t, err)

	return &testCLI{dir: dir}
}

// run runs the app with the global flags and args and returns its output.
func (c *testCLI) run(globals []string, args ...string) (string, error) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out

	cmdline := append([]string{"bridgecli", "--bridgedir", c.dir}, globals...)
	err := app.Run(append(cmdline, args...))

	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	t.Parallel()

	app := newApp()
	for _, name := range []string{
		"status", "sync", "flush", "create-peg-in", "create-peg-out",
		"push-nonces", "pre-sign", "export-psbt", "daemon",
	} {
		require.NotNil(t, app.Command(name), name)
	}
	for _, step := range client.Steps() {
		require.NotNil(t, app.Command("broadcast-"+string(step)))
	}
}

func TestFlushSyncStatus(t *testing.T) {
	t.Parallel()

	c := newTestCLI(t)

	out, err := c.run(nil, "flush")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Published "))
	key := strings.TrimSpace(strings.TrimPrefix(out, "Published "))

	out, err = c.run([]string{"--demo", "verifier-0"}, "sync")
	require.NoError(t, err)
	require.Contains(t, out, key)

	// Nothing to report yet.
	out, err = c.run([]string{"--demo", "operator"}, "status")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	c := newTestCLI(t)

	tests := []struct {
		name    string
		globals []string
		args    []string
		is      error
		msg     string
	}{
		{
			name: "create peg-in without args",
			args: []string{"create-peg-in"},
			is:   errMissingArgs,
		},
		{
			name: "create peg-in bad evm address",
			args: []string{"create-peg-in", "0x12", "utxo"},
			msg:  "invalid evm address",
		},
		{
			name: "broadcast without graph",
			args: []string{"broadcast-deposit"},
			is:   errMissingArgs,
		},
		{
			name:    "broadcast unknown graph",
			globals: []string{"--demo", "depositor"},
			args:    []string{"broadcast-deposit", "unknown"},
			is:      client.ErrUnknownGraph,
		},
		{
			name: "bad superblock",
			args: []string{
				"broadcast-kick-off-2", "--superblock", "zz",
				"unknown",
			},
			msg: "invalid superblock",
		},
		{
			name: "export unknown graph",
			args: []string{"export-psbt", "unknown", "confirm"},
			is:   client.ErrUnknownGraph,
		},
		{
			name:    "two roles",
			globals: []string{"--demo", "operator", "--verifier-secret", "00"},
			args:    []string{"status"},
			is:      bridge.ErrConfig,
		},
	}

	for _, test := range tests {
		_, err := c.run(test.globals, test.args...)
		if test.is != nil {
			require.ErrorIs(t, err, test.is, test.name)
		}
		if test.msg != "" {
			require.ErrorContains(t, err, test.msg, test.name)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	report := []client.GraphStatus{
		{
			Kind:    client.KindPegIn,
			GraphID: "aa",
			Status:  "No action available. Wait...",
		},
		{
			Kind:    client.KindPegOut,
			GraphID: "bb",
			Status:  "Kick off 1 available. Broadcast kick off 1?",
			Step:    client.StepKickOff1,
		},
		{
			Kind:    client.KindPegOut,
			GraphID: "cc",
			Status:  "Nonces required. Push nonces?",
			Signing: client.SigningPushNonces,
		},
	}

	var lines bytes.Buffer
	printStatus(&lines, report)
	require.Equal(t, "[peg-in aa] No action available. Wait...\n"+
		"[peg-out bb] Kick off 1 available. Broadcast kick off 1?\n"+
		"  next: bridgecli broadcast-kick-off-1 bb\n"+
		"[peg-out cc] Nonces required. Push nonces?\n"+
		"  next: bridgecli push-nonces cc\n", lines.String())

	var tbl bytes.Buffer
	printStatusTable(&tbl, report)
	require.Contains(t, tbl.String(), "GRAPH")
	require.Contains(t, tbl.String(), "bridgecli broadcast-kick-off-1 bb")
	require.Contains(t, tbl.String(), "bridgecli push-nonces cc")

	tbl.Reset()
	printStatusTable(&tbl, nil)
	require.Empty(t, tbl.String())
}
