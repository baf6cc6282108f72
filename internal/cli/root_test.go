package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairwise/internal/docstore"
	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/queue"
	"github.com/roach88/pairwise/internal/testutil"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pairwise", cmd.Use)
	assert.Contains(t, cmd.Long, "delivery notes")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"import"}, {"candidates"}, {"confirm"}, {"reject"}, {"override"},
		{"reconcile"}, {"retry-late"}, {"pairs"}, {"history"}, {"export"},
		{"serve"}, {"config"}, {"test"}, {"queue", "list"}, {"queue", "drain"}, {"queue", "retry"},
	}

	for _, path := range commands {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "env-file", "actor", "offline"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

// workspace is a config file pointing at a fresh ledger and document store.
type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`ledger:
  path: %s
docstore:
  dsn: sqlite://%s
audit:
  log: false
`, filepath.Join(dir, "ledger.db"), filepath.Join(dir, "documents.db"))
	path := filepath.Join(dir, "pairwise.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &workspace{dir: dir, config: path}
}

func (w *workspace) writeBatch(t *testing.T, b docstore.Batch) string {
	t.Helper()
	data, err := json.Marshal(b)
	require.NoError(t, err)
	path := filepath.Join(w.dir, "batch.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// run executes the CLI with JSON output and returns stdout.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", w.config, "--format", "json", "--actor", "alice"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func data[T any](t *testing.T, out string) T {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestMatchingWorkflow(t *testing.T) {
	w := newWorkspace(t)
	batch := w.writeBatch(t, docstore.Batch{
		Invoices: []ir.Invoice{testutil.StoriInvoice("INV-1")},
		DeliveryNotes: []ir.DeliveryNote{
			testutil.StoriNote("DN-1", 0, "2"),
			testutil.StoriNote("DN-2", 2, "2"),
		},
	})

	out, err := w.run(t, "import", batch)
	require.NoError(t, err, out)
	imported := data[docstore.ImportResult](t, out)
	assert.Equal(t, docstore.ImportResult{Invoices: 1, DeliveryNotes: 2}, imported)

	out, err = w.run(t, "candidates", "INV-1")
	require.NoError(t, err, out)
	cands := data[[]ir.MatchCandidate](t, out)
	require.Len(t, cands, 2)
	assert.Equal(t, "DN-1", cands[0].DeliveryNoteID)

	out, err = w.run(t, "confirm", "INV-1", "DN-1")
	require.NoError(t, err, out)
	pair := data[ir.MatchingPair](t, out)
	assert.Equal(t, ir.StatusMatched, pair.Status)
	assert.Equal(t, "alice", pair.Actor)
	assert.False(t, pair.Pending)

	out, err = w.run(t, "pairs")
	require.NoError(t, err, out)
	sum := data[engine.Summary](t, out)
	assert.Equal(t, 1, sum.Counts[ir.StatusMatched])
	require.Len(t, sum.Pairs, 1)
	assert.Equal(t, pair.ID, sum.Pairs[0].ID)

	out, err = w.run(t, "reconcile", pair.ID)
	require.NoError(t, err, out)
	assert.Len(t, data[[]ir.LineDiff](t, out), 1)

	out, err = w.run(t, "history", "INV-1")
	require.NoError(t, err, out)
	hist := data[struct {
		Pairs []ir.MatchingPair `json:"pairs"`
		Audit []ir.AuditRecord  `json:"audit"`
	}](t, out)
	assert.Len(t, hist.Pairs, 1)
	assert.NotEmpty(t, hist.Audit)

	xlsx := filepath.Join(w.dir, "pairs.xlsx")
	out, err = w.run(t, "export", xlsx)
	require.NoError(t, err, out)
	_, err = os.Stat(xlsx)
	require.NoError(t, err)
}

func TestOfflineDecisionsSurviveUntilDrained(t *testing.T) {
	w := newWorkspace(t)
	batch := w.writeBatch(t, docstore.Batch{
		Invoices:      []ir.Invoice{testutil.StoriInvoice("INV-1")},
		DeliveryNotes: []ir.DeliveryNote{testutil.StoriNote("DN-1", 0, "2")},
	})
	_, err := w.run(t, "import", batch)
	require.NoError(t, err)

	out, err := w.run(t, "--offline", "confirm", "INV-1", "DN-1")
	require.NoError(t, err, out)
	assert.True(t, data[ir.MatchingPair](t, out).Pending)

	out, err = w.run(t, "queue", "list")
	require.NoError(t, err, out)
	listed := data[struct {
		Pending []ir.QueuedAction `json:"pending"`
		Failed  []ir.QueuedAction `json:"failed"`
	}](t, out)
	require.Len(t, listed.Pending, 1)
	assert.Equal(t, ir.ActionConfirm, listed.Pending[0].Kind)
	assert.Empty(t, listed.Failed)

	out, err = w.run(t, "queue", "drain")
	require.NoError(t, err, out)
	assert.Equal(t, queue.DrainResult{Succeeded: 1}, data[queue.DrainResult](t, out))

	out, err = w.run(t, "pairs")
	require.NoError(t, err, out)
	sum := data[engine.Summary](t, out)
	assert.Zero(t, sum.PendingActions)
	require.Len(t, sum.Pairs, 1)
	assert.False(t, sum.Pairs[0].Pending)
}

func TestEngineErrorsSetExitCodes(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.run(t, "confirm", "INV-404", "DN-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"kind":"NOT_FOUND"`)

	_, err = w.run(t, "pairs", "--status", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = w.run(t, "import", filepath.Join(w.dir, "missing.json"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "pairs"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfigIsCommandError(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, os.WriteFile(w.config, []byte("queue:\n  concurrency: 0\n"), 0o644))

	out, err := w.run(t, "pairs")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "concurrency")
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	w := newWorkspace(t)
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--config", w.config, "config"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "window_days: 21")
	assert.Contains(t, out.String(), filepath.Join(w.dir, "ledger.db"))
}

func TestTestCommandRunsScenarios(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"test", "../harness/testdata/scenarios", "--golden", "../harness/testdata/golden"})
	require.NoError(t, cmd.Execute(), out.String())
	assert.Contains(t, out.String(), "✓ late_match")
	assert.Contains(t, out.String(), "4 passed, 0 failed, 4 total")
}

func TestTestCommandFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\n"), 0o644))

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"test", dir, "--format", "json"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), "failed to load scenario")

	cmd = NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"test", dir, "--update"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	cmd = NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"test", filepath.Join(dir, "missing")})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
