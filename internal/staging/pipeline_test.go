package staging

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/execfabric/internal/audit"
	"github.com/r3e-network/execfabric/internal/domain/language"
	domainstaging "github.com/r3e-network/execfabric/internal/domain/staging"
	"github.com/r3e-network/execfabric/internal/executor"
	"github.com/r3e-network/execfabric/internal/ledger"
	"github.com/r3e-network/execfabric/internal/matrix"
)

func newTestPipeline(t *testing.T) (*Pipeline, *ledger.Ledger, *matrix.Registry) {
	t.Helper()
	dir := t.TempDir()

	l := ledger.New(0)
	reg := matrix.New(l, 0)
	pool := executor.NewPool()
	w, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	p := New(l, reg, pool, w, filepath.Join(dir, "snippets"), 0)
	return p, l, reg
}

func TestQueueReservesDistinctPositionsForConcurrentSubmissions(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	s1, err := p.QueueSnippet("first", language.Python, "print(1)", "alice")
	require.NoError(t, err)
	s2, err := p.QueueSnippet("second", language.Python, "print(2)", "bob")
	require.NoError(t, err)

	require.Equal(t, s1.Reservation.EngineName, s2.Reservation.EngineName)
	require.NotEqual(t, s1.Reservation.Position, s2.Reservation.Position)
}

func TestFullPipelinePromotesAndRecordsSixAuditedSteps(t *testing.T) {
	p, l, reg := newTestPipeline(t)

	snippet, err := p.RunFullPipeline(context.Background(), "greeter", language.Python, `print("OK")`, "alice", true)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePromoted, snippet.Phase)
	require.NotEmpty(t, snippet.Artifacts.LedgerNodeID)
	require.NotEmpty(t, snippet.Artifacts.RegistrySlotID)

	_, err = os.Stat(snippet.Artifacts.SavedFilePath)
	require.NoError(t, err)

	// Promoted file layout: <snippets-dir>/<language>/<address>_<staging-id>_<UTC-timestamp>.<ext>
	require.Equal(t, filepath.Join(p.snippetsDir, "python"), filepath.Dir(snippet.Artifacts.SavedFilePath))
	nameRE := regexp.MustCompile(`^a\d+_` + regexp.QuoteMeta(snippet.StagingID) + `_\d{8}T\d{6}\.py$`)
	require.Regexp(t, nameRE, filepath.Base(snippet.Artifacts.SavedFilePath))

	contents, err := os.ReadFile(snippet.Artifacts.SavedFilePath)
	require.NoError(t, err)
	header := string(contents)
	require.Contains(t, header, "# staging_id:  "+snippet.StagingID)
	require.Contains(t, header, "language:    python")
	require.Contains(t, header, "code_hash:   "+snippet.CodeHash)
	require.Contains(t, header, "spec_result: PASS")
	require.Contains(t, header, `print("OK")`)

	snap := l.GetNodeSnapshot(snippet.Artifacts.LedgerNodeID)
	require.NotNil(t, snap)
	require.True(t, snap.Active)

	slot := reg.GetSlot(snippet.Artifacts.RegistrySlotID)
	require.NotNil(t, slot)
	require.Equal(t, snippet.Artifacts.LedgerNodeID, slot.NodeID)
	require.Empty(t, reg.GetDirtySlots())

	records, ok := reg.ReadSlotOutput(snippet.Artifacts.RegistrySlotID, 1)
	require.True(t, ok)
	require.Len(t, records, 1)
	require.Contains(t, records[0].Data.(string), "OK")

	trail, err := p.GetAuditTrail(snippet.StagingID, 0)
	require.NoError(t, err)
	kinds := make(map[domainstaging.AuditEventKind]bool)
	for _, e := range trail {
		kinds[e.Event] = true
	}
	for _, want := range []domainstaging.AuditEventKind{
		domainstaging.EventSnippetQueued,
		domainstaging.EventSlotReserved,
		domainstaging.EventSpecExecCompleted,
		domainstaging.EventVerdictPass,
		domainstaging.EventFileWritten,
		domainstaging.EventLedgerNodeCreated,
		domainstaging.EventRegistrySlotCommit,
		domainstaging.EventPromotionCompleted,
	} {
		require.True(t, kinds[want], "missing audit event %s", want)
	}
}

func TestSpeculationFailureAutoRejectsAndReleasesReservation(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	snippet, err := p.RunFullPipeline(context.Background(), "boom", language.Python, `no_such_name`, "alice", true)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhaseRejected, snippet.Phase)

	summary := p.GetPipelineSummary()
	require.Equal(t, 0, summary.Reservations)
}

func TestRollbackDeletesLedgerNodeAndClearsSlot(t *testing.T) {
	p, l, reg := newTestPipeline(t)

	snippet, err := p.RunFullPipeline(context.Background(), "temp", language.Python, `1 + 1`, "alice", true)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhasePromoted, snippet.Phase)

	rolled, err := p.Rollback(snippet.StagingID)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhaseRolledBack, rolled.Phase)

	snap := l.GetNodeSnapshot(snippet.Artifacts.LedgerNodeID)
	require.NotNil(t, snap)
	require.False(t, snap.Active)

	slot := reg.GetSlot(snippet.Artifacts.RegistrySlotID)
	require.Empty(t, slot.NodeID)
}

func TestVerdictRejectReleasesReservationForReuse(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	snippet, err := p.QueueSnippet("s1", language.Ruby, "1", "alice")
	require.NoError(t, err)
	snippet, err = p.Speculate(context.Background(), snippet.StagingID)
	require.NoError(t, err)
	snippet, err = p.Verdict(snippet.StagingID, domainstaging.VerdictReject, "not wanted")
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhaseRejected, snippet.Phase)

	// A second submission to the same engine should be free to reserve
	// the slot the rejected snippet released.
	next, err := p.QueueSnippet("s2", language.Ruby, "2", "bob")
	require.NoError(t, err)
	require.Equal(t, snippet.Reservation.Position, next.Reservation.Position)
}

func TestStagingAndNodeIdentifierFormats(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	snippet, err := p.RunFullPipeline(context.Background(), "fmt", language.Python, `"x"`, "alice", true)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^stg-[0-9a-f]{12}$`), snippet.StagingID)
	require.Equal(t, "snippet-"+snippet.StagingID, snippet.Artifacts.LedgerNodeID)
}

func TestSpeculateMayRepeatFromFailed(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	snippet, err := p.QueueSnippet("retry", language.Python, `flaky_name`, "alice")
	require.NoError(t, err)

	snippet, err = p.Speculate(context.Background(), snippet.StagingID)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhaseFailed, snippet.Phase)

	snippet, err = p.Speculate(context.Background(), snippet.StagingID)
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhaseFailed, snippet.Phase)

	// Still holding its reservation until a verdict resolves it.
	require.Equal(t, 1, p.GetPipelineSummary().Reservations)
}

func TestVerdictHoldLeavesPhaseUnchanged(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	snippet, err := p.QueueSnippet("held", language.Lua, "1", "alice")
	require.NoError(t, err)

	held, err := p.Verdict(snippet.StagingID, domainstaging.VerdictHold, "pending review")
	require.NoError(t, err)
	require.Equal(t, domainstaging.PhaseQueued, held.Phase)
}

func TestResolveEnginePrefersLetterOverLanguage(t *testing.T) {
	lang, err := ResolveEngine("g", "python")
	require.NoError(t, err)
	require.Equal(t, language.CSharp, lang)

	lang, err = ResolveEngine("", "python")
	require.NoError(t, err)
	require.Equal(t, language.Python, lang)

	_, err = ResolveEngine("z", "")
	require.Error(t, err)
	_, err = ResolveEngine("", "cobol")
	require.Error(t, err)
}

func TestGetHistoryRespectsLimit(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	for i := 0; i < 5; i++ {
		_, err := p.QueueSnippet("x", language.Lua, "1", "alice")
		require.NoError(t, err)
	}
	require.Len(t, p.GetHistory(2), 2)
	require.Len(t, p.GetHistory(0), 5)
}
