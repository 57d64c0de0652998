package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/execfabric/internal/audit"
	"github.com/r3e-network/execfabric/internal/domain/language"
	domainstaging "github.com/r3e-network/execfabric/internal/domain/staging"
	"github.com/r3e-network/execfabric/internal/executor"
	"github.com/r3e-network/execfabric/internal/ledger"
	"github.com/r3e-network/execfabric/internal/matrix"
	"github.com/r3e-network/execfabric/internal/staging"
	"github.com/r3e-network/execfabric/internal/token"
)

func newHarness(t *testing.T, dir string) (*staging.Pipeline, *token.Registry) {
	t.Helper()
	l := ledger.New(0)
	reg := matrix.New(l, 0)
	pool := executor.NewPool()
	w, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	p := staging.New(l, reg, pool, w, filepath.Join(dir, "snippets"), 0)
	tokens := token.New("k")
	return p, tokens
}

func TestWriteAndRestoreCheckpointReplaysPromotedSnippets(t *testing.T) {
	dir := t.TempDir()
	pipeline, tokens := newHarness(t, dir)

	snippet, err := pipeline.RunFullPipeline(context.Background(), "greeter", language.JavaScript, `"hi"`, "alice", true)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePromoted, snippet.Phase)

	_, err = tokens.Mint(snippet.StagingID, time.Hour, "cli", "alice", "agent-1")
	require.NoError(t, err)

	ckPath := filepath.Join(dir, "checkpoint.json")
	mgr := NewManager(pipeline, tokens, ckPath, 0, nil)
	require.NoError(t, mgr.WriteCheckpoint())

	freshPipeline, freshTokens := newHarness(t, t.TempDir())
	report, err := Restore(context.Background(), ckPath, freshPipeline, freshTokens)
	require.NoError(t, err)
	require.Equal(t, 1, report.PromotedReplayed)
	require.Equal(t, 1, report.TokensRestored)

	history := freshPipeline.GetHistory(0)
	require.Len(t, history, 1)
	require.Equal(t, domainstaging.PhasePromoted, history[0].Phase)
}

func TestCheckpointRestoreReappliesLocksAndRemintsExpiredLockedTokens(t *testing.T) {
	dir := t.TempDir()
	pipeline, tokens := newHarness(t, dir)

	snippet, err := pipeline.RunFullPipeline(context.Background(), "locked-one", language.JavaScript, `"ok"`, "alice", true)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePromoted, snippet.Phase)

	now := time.Now()
	tokens.SetClock(func() time.Time { return now })
	tok, err := tokens.Mint(snippet.StagingID, time.Second, "cli", "alice", "agent-1")
	require.NoError(t, err)
	tokens.LockSlot(snippet.Reservation.Address(), "alice", "pinned during outage")

	// Simulate the token having expired while the process was down, but
	// the slot stayed locked.
	now = now.Add(5 * time.Second)

	ckPath := filepath.Join(dir, "checkpoint.json")
	mgr := NewManager(pipeline, tokens, ckPath, 0, nil)
	require.NoError(t, mgr.WriteCheckpoint())

	freshPipeline, freshTokens := newHarness(t, t.TempDir())
	report, err := Restore(context.Background(), ckPath, freshPipeline, freshTokens)
	require.NoError(t, err)
	require.Equal(t, 1, report.PromotedReplayed)
	require.Equal(t, 1, report.LocksRestored)
	require.Equal(t, 1, report.TokensReminted)
	require.Equal(t, 0, report.TokensRestored)

	history := freshPipeline.GetHistory(0)
	require.Len(t, history, 1)
	require.True(t, freshTokens.IsLocked(history[0].Reservation.Address()))

	_ = tok // minted token string itself is opaque and not re-used after remint
}

func TestRestoreMissingCheckpointIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	pipeline, tokens := newHarness(t, dir)
	report, err := Restore(context.Background(), filepath.Join(dir, "missing.json"), pipeline, tokens)
	require.NoError(t, err)
	require.Equal(t, 0, report.PromotedReplayed)
}
