package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/execfabric/internal/domain/language"
	domainledger "github.com/r3e-network/execfabric/internal/domain/ledger"
)

func TestBeginImportThenRecordNodeImportedRoundTrips(t *testing.T) {
	l := New(0)
	session := l.BeginImport("main.py", "python", "x=1", "")
	require.GreaterOrEqual(t, session, int64(1))

	snap := l.RecordNodeImported("node-1", "function", "My Func", "my_func", "x=1", language.Python, "main.py", session, nil)
	require.Equal(t, "x=1", snap.Source)

	got := l.GetNodeSnapshot("node-1")
	require.NotNil(t, got)
	require.Equal(t, "x=1", got.Source)
	require.Equal(t, 1, got.Version)
}

func TestRecordFileImportsDedupedAndSorted(t *testing.T) {
	l := New(0)
	s1 := l.BeginImport("a.py", "python", "", "")
	s2 := l.BeginImport("b.py", "python", "", "")
	l.RecordFileImports(s1, []string{"zeta", "alpha", "alpha"}, "a.py")
	l.RecordFileImports(s2, []string{"beta"}, "b.py")

	require.Equal(t, []string{"alpha", "beta", "zeta"}, l.GetFileImports())
}

func TestResolveDependencyStrategyBijectionAndFallback(t *testing.T) {
	cases := map[string]domainledger.DependencyStrategy{
		"ignore":          domainledger.DependencyIgnore,
		"PRESERVE":        domainledger.DependencyPreserve,
		"Consolidate":     domainledger.DependencyConsolidate,
		"refactor-export": domainledger.DependencyRefactorExport,
		"":                domainledger.DependencyPreserve,
		"unknown-garbage": domainledger.DependencyPreserve,
	}
	for in, want := range cases {
		require.Equal(t, want, domainledger.ResolveDependencyStrategy(in), "input %q", in)
	}
}

func TestVersionMonotonicAcrossEdits(t *testing.T) {
	l := New(0)
	session := l.BeginImport("n.js", "javascript", "", "")
	l.RecordNodeImported("node-1", "function", "n", "n", "x=1", language.JavaScript, "n.js", session, nil)

	_, err := l.RecordCodeEdit("node-1", "x=2", "fix")
	require.NoError(t, err)
	snap := l.GetNodeSnapshot("node-1")
	require.Equal(t, 2, snap.Version)
	require.Equal(t, "x=2", snap.Source)
	require.True(t, snap.IsModified)
	require.Len(t, snap.History, 1)
	require.Equal(t, "x=1", snap.History[0].Source)

	_, err = l.RecordCodeEdit("node-1", "x=3", "")
	require.NoError(t, err)
	snap = l.GetNodeSnapshot("node-1")
	require.Equal(t, 3, snap.Version)
}

func TestLanguageConversionSetsConvertedFlag(t *testing.T) {
	l := New(0)
	session := l.BeginImport("n.py", "python", "", "")
	l.RecordNodeImported("node-1", "function", "n", "n", "print(1)", language.Python, "n.py", session, nil)

	snap, err := l.RecordLanguageConversion("node-1", language.JavaScript, "console.log(1)")
	require.NoError(t, err)
	require.True(t, snap.IsConverted)
	require.Equal(t, language.JavaScript, snap.LanguageID)
	require.Equal(t, 2, snap.Version)
}

func TestDeleteRemovesFromActiveButKeepsExecutionHistory(t *testing.T) {
	l := New(0)
	session := l.BeginImport("n.py", "python", "", "")
	l.RecordNodeImported("node-1", "function", "n", "n", "print(1)", language.Python, "n.py", session, nil)
	_, err := l.RecordNodeExecuted("node-1", true, "1", "", time.Millisecond, nil, 1)
	require.NoError(t, err)

	require.NoError(t, l.RecordNodeDeleted("node-1"))

	active := l.GetActiveSnapshots()
	require.NotContains(t, active, "node-1")

	execs := l.GetNodeExecutions("node-1")
	require.Len(t, execs, 1)

	require.Nil(t, l.GetNodeSnapshot("unknown-node"))
}

func TestUnknownNodeOperationsReturnNotFoundNeverFabricate(t *testing.T) {
	l := New(0)
	_, err := l.RecordCodeEdit("ghost", "x=1", "")
	require.Error(t, err)

	require.Error(t, l.RecordNodeDeleted("ghost"))

	snap := l.GetNodeSnapshot("ghost")
	require.Nil(t, snap)
}

func TestRebuildFromLogMatchesLiveProjection(t *testing.T) {
	l := New(0)
	session := l.BeginImport("n.py", "python", "", "")
	l.RecordNodeImported("node-1", "function", "n", "n", "x=1", language.Python, "n.py", session, nil)
	_, err := l.RecordCodeEdit("node-1", "x=2", "")
	require.NoError(t, err)

	live := l.GetNodeSnapshot("node-1")
	rebuilt := l.RebuildFromLog()["node-1"]
	require.NotNil(t, rebuilt)
	require.Equal(t, live.Version, rebuilt.Version)
	require.Equal(t, live.Source, rebuilt.Source)
	require.Equal(t, live.Active, rebuilt.Active)
}

func TestGetNodesForExportPreservesCreationOrder(t *testing.T) {
	l := New(0)
	s := l.BeginImport("f.py", "python", "", "")
	l.RecordNodeImported("b", "function", "b", "b", "1", language.Python, "f.py", s, nil)
	l.RecordNodeImported("a", "function", "a", "a", "2", language.Python, "f.py", s, nil)

	nodes := l.GetNodesForExport()
	require.Len(t, nodes, 2)
	require.Equal(t, "b", nodes[0].NodeID)
	require.Equal(t, "a", nodes[1].NodeID)
}
