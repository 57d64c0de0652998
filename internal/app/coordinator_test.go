package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domainstaging "github.com/r3e-network/execfabric/internal/domain/staging"
	"github.com/r3e-network/execfabric/pkg/config"
	"github.com/r3e-network/execfabric/pkg/logger"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	cfg.Staging.SnippetsDir = filepath.Join(dir, "snippets")
	cfg.Staging.AuditLogPath = filepath.Join(dir, "audit.jsonl")
	cfg.Persistence.CheckpointPath = filepath.Join(dir, "checkpoint.json")
	cfg.Persistence.DebounceMillis = 0
	cfg.Token.SigningKey = "test-key"

	c, err := New(cfg, logger.NewDefault("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestCoordinatorStartRestoresEmptyCheckpointCleanly(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))
}

func TestCoordinatorFullPromotionFlowIsReachableThroughWireSurface(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))

	snippet, err := c.QueueSnippet("greeter", "", "javascript", `"hi"`, "alice")
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhaseQueued, snippet.Phase)

	snippet, err = c.Speculate(context.Background(), snippet.StagingID)
	require.NoError(t, err)
	require.True(t, snippet.Speculative.Success)

	snippet, err = c.Verdict(snippet.StagingID, domainstaging.VerdictApprove, "looks good")
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePassed, snippet.Phase)

	snippet, err = c.Promote(snippet.StagingID)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePromoted, snippet.Phase)

	tok, err := c.MintToken(snippet.StagingID, time.Hour, "cli", "alice", "agent-1")
	require.NoError(t, err)
	res, err := c.ResolveToken(tok)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, snippet.StagingID, res.StagingID)

	summary := c.MatrixSummary()
	require.GreaterOrEqual(t, summary.TotalCommitted, 1)

	require.NoError(t, c.RunNode(context.Background(), snippet.Artifacts.LedgerNodeID))

	trail, err := c.InspectAuditTrail(snippet.StagingID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
}

func TestCoordinatorLockAndEvict(t *testing.T) {
	c := newTestCoordinator(t)
	lock := c.LockSlot("a1", "alice", "pinned")
	require.Equal(t, "a1", lock.Address)
	require.False(t, c.EvictSlot("a1"))
	require.True(t, c.UnlockSlot("a1"))
	require.True(t, c.EvictSlot("a1"))
}

func TestCoordinatorForceCheckpointWritesInspectableFile(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.ForceCheckpoint())

	ck, err := c.InspectCheckpoint()
	require.NoError(t, err)
	require.NotNil(t, ck)
	require.Equal(t, 1, ck.Version)
}

func TestCoordinatorRunNodePicksUpEditedSource(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))

	snippet, err := c.RunPipeline(context.Background(), "swap", "a", "", `"v1"`, "alice", true)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePromoted, snippet.Phase)

	_, err = c.Ledger.RecordCodeEdit(snippet.Artifacts.LedgerNodeID, `"v2"`, "hot patch")
	require.NoError(t, err)
	require.Equal(t, 1, c.RefreshMatrix())

	require.NoError(t, c.RunNode(context.Background(), snippet.Artifacts.LedgerNodeID))
	require.Equal(t, 0, c.RefreshMatrix())

	slot := c.Matrix.GetSlot(snippet.Artifacts.RegistrySlotID)
	require.Equal(t, "v2", slot.Stats.LastOutput)
}

func TestCoordinatorResolveUnknownTokenReturnsNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	res, err := c.ResolveToken("no-such-token")
	require.Nil(t, res)
	require.Error(t, err)
}

func TestCoordinatorExecuteSlotRequiresPOST(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))

	// Promotion grants {GET, PUSH, -, -}; the out-of-band execute path must
	// be denied on a promoted slot.
	snippet, err := c.RunPipeline(context.Background(), "posted", "a", "", `"ok"`, "alice", true)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePromoted, snippet.Phase)

	err = c.ExecuteSlot(context.Background(), snippet.Artifacts.RegistrySlotID)
	require.Error(t, err)

	slot := c.Matrix.GetSlot(snippet.Artifacts.RegistrySlotID)
	require.Equal(t, 1, slot.Stats.Count) // only the promotion's speculative record
}
