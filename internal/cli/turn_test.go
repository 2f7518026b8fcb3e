package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/save"
)

const gateFinal = `{"type":"final","data":{"narrative":"The gate opens.","economy":{"cost":{"signal":2,"memory_shard":0},"balance_after":{"signal":48,"memory_shard":2}},"safety":{"blocked":false}}}`

// turnServer streams the given NDJSON lines for every turn request.
func turnServer(t *testing.T, status int, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func turnArgs(srv *httptest.Server, extra ...string) []string {
	args := []string{
		"--server", srv.URL,
		"--profiles", filepath.Join("testdata", "profiles"),
		"--profile", "wanderer",
	}
	return append(args, extra...)
}

func TestTurnHappyPath(t *testing.T) {
	srv := turnServer(t, http.StatusOK, gateFinal)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTurnCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs(turnArgs(srv, "--text", "push the gate"))

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "The gate opens.")
	assert.Contains(t, output, "signal=48 shards=2")
	assert.Contains(t, output, "turn 1")
}

func TestTurnRequiresInput(t *testing.T) {
	srv := turnServer(t, http.StatusOK, gateFinal)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTurnCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs(turnArgs(srv))

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--text or --action")
}

func TestTurnUnknownProfile(t *testing.T) {
	srv := turnServer(t, http.StatusOK, gateFinal)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTurnCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{
		"--server", srv.URL,
		"--profiles", filepath.Join("testdata", "profiles"),
		"--profile", "ghost",
		"--text", "hello",
	})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestTurnFallbackOnServerError(t *testing.T) {
	srv := turnServer(t, http.StatusInternalServerError)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTurnCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs(turnArgs(srv, "--text", "push the gate"))

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	output := buf.String()
	// Localized fallback narrative, economy snapshot untouched.
	assert.Contains(t, output, "storyteller is unreachable")
	assert.Contains(t, output, "signal=50 shards=2")
	assert.Contains(t, output, "Turn completed via fallback")
}

func TestTurnJSON(t *testing.T) {
	srv := turnServer(t, http.StatusOK, gateFinal)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewTurnCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs(turnArgs(srv, "--text", "push the gate"))

	err := cmd.Execute()
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["session_id"])
	assert.Equal(t, "The gate opens.", data["narrative"])
	assert.Equal(t, false, data["repaired"])
}

func TestTurnPersistsSession(t *testing.T) {
	srv := turnServer(t, http.StatusOK, gateFinal)
	dbPath := filepath.Join(t.TempDir(), "saves.db")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTurnCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs(turnArgs(srv, "--text", "push the gate", "--db", dbPath))

	err := cmd.Execute()
	require.NoError(t, err)

	st, err := save.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	sg, _, err := st.Load(context.Background(), "wanderer")
	require.NoError(t, err)
	assert.Equal(t, 1, sg.TurnCount)
	assert.Equal(t, 48, sg.Economy.Signal)
}

func TestTurnRecordsTranscript(t *testing.T) {
	srv := turnServer(t, http.StatusOK, gateFinal)
	transcriptPath := filepath.Join(t.TempDir(), "session.jsonl.zst")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTurnCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs(turnArgs(srv, "--text", "push the gate", "--transcript", transcriptPath))

	err := cmd.Execute()
	require.NoError(t, err)

	// The recorded transcript replays clean.
	replayBuf := &bytes.Buffer{}
	replayCmd := NewReplayCommand(&RootOptions{Format: "text"})
	replayCmd.SetOut(replayBuf)
	replayCmd.SetArgs([]string{"--file", transcriptPath})
	require.NoError(t, replayCmd.Execute())
	assert.Contains(t, replayBuf.String(), "All turn outputs validate")
}
