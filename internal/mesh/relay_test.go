package mesh

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/execfabric/internal/domain/language"
	"github.com/r3e-network/execfabric/internal/ledger"
	"github.com/r3e-network/execfabric/internal/matrix"
)

func newTestRelay(t *testing.T) (*Relay, *matrix.Registry, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(0)
	reg := matrix.New(l, 256)
	r := New("self", reg, time.Hour, 2*time.Second, nil)
	return r, reg, l
}

func TestRegisterPeerAssignsLanesInOrder(t *testing.T) {
	r, _, _ := newTestRelay(t)

	p1, err := r.RegisterPeer("peer-1", "http://peer1", "secret-1")
	require.NoError(t, err)
	require.Equal(t, 33, p1.OutboundLane)
	require.Equal(t, 49, p1.InboundLane)
	require.Equal(t, "a33", p1.OutboundAddress())
	require.Equal(t, "a49", p1.InboundAddress())

	p2, err := r.RegisterPeer("peer-2", "http://peer2", "secret-2")
	require.NoError(t, err)
	require.Equal(t, 34, p2.OutboundLane)
	require.Equal(t, 50, p2.InboundLane)
}

func TestRegisterPeerRejectsDuplicateID(t *testing.T) {
	r, _, _ := newTestRelay(t)
	_, err := r.RegisterPeer("peer-1", "http://peer1", "s")
	require.NoError(t, err)
	_, err = r.RegisterPeer("peer-1", "http://other", "s2")
	require.Error(t, err)
}

func TestRegisterPeerRejectsAnEleventhPeer(t *testing.T) {
	r, _, _ := newTestRelay(t)
	for i := 0; i < 10; i++ {
		_, err := r.RegisterPeer(string(rune('a'+i)), "http://x", "s")
		require.NoError(t, err)
	}
	_, err := r.RegisterPeer("overflow", "http://x", "s")
	require.Error(t, err)
}

func TestRemovePeerClearsLanesWithoutRenumbering(t *testing.T) {
	r, _, _ := newTestRelay(t)
	_, err := r.RegisterPeer("peer-1", "http://peer1", "s")
	require.NoError(t, err)
	p2, err := r.RegisterPeer("peer-2", "http://peer2", "s")
	require.NoError(t, err)

	require.NoError(t, r.RemovePeer("peer-1"))
	require.Nil(t, r.GetPeer("peer-1"))

	// peer-2 keeps its original lane; it is not shifted down to fill the gap.
	stillThere := r.GetPeer("peer-2")
	require.NotNil(t, stillThere)
	require.Equal(t, p2.OutboundLane, stillThere.OutboundLane)

	p3, err := r.RegisterPeer("peer-3", "http://peer3", "s")
	require.NoError(t, err)
	require.Equal(t, 33, p3.OutboundLane) // reuses peer-1's freed lane
}

func TestRelayTickPushesRecentOutputToPeerInboundLane(t *testing.T) {
	r, reg, l := newTestRelay(t)

	session := l.BeginImport("n.py", "python", "", "")
	l.RecordNodeImported("node-1", "function", "n", "n", "1+1", language.Python, "n.py", session, nil)
	slot, err := reg.CommitNode("node-1", language.Python, 1, nil)
	require.NoError(t, err)
	require.True(t, reg.RecordExecution(slot.ID, true, "2", "", time.Millisecond))

	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/relay/a49", req.URL.Path)
		received, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	_, err = r.RegisterPeer("peer-1", srv.URL, "s")
	require.NoError(t, err)
	require.NoError(t, r.Subscribe("a1", "peer-1"))

	r.RelayTick(context.Background())
	require.Contains(t, string(received), `"2"`)
}

func TestInboundHandlerRejectsOutOfRangeAddress(t *testing.T) {
	r, _, _ := newTestRelay(t)
	handler := r.InboundHandler()

	req := httptest.NewRequest(http.MethodPost, "/relay/a1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboundHandlerPushesIntoLocalSlotInputBuffer(t *testing.T) {
	r, reg, l := newTestRelay(t)
	_, err := r.RegisterPeer("peer-1", "http://peer1", "s")
	require.NoError(t, err)

	session := l.BeginImport("n.py", "python", "", "")
	l.RecordNodeImported("node-1", "function", "n", "n", "1", language.Python, "n.py", session, nil)
	slot, err := reg.CommitNode("node-1", language.Python, 49, nil)
	require.NoError(t, err)

	handler := r.InboundHandler()
	body := `{"source":"a33","records":["hello"]}`
	req := httptest.NewRequest(http.MethodPost, "/relay/a49", strings.NewReader(body))
	req.Header.Set("X-Peer-ID", "peer-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	drained := reg.DrainInputBuffer(slot.ID)
	require.Len(t, drained, 1)
	require.Equal(t, "hello", drained[0].Data)
	require.Equal(t, "mesh:peer-1", drained[0].Source)
}

func TestInboundHandlerRateLimitsPerPeer(t *testing.T) {
	r, reg, l := newTestRelay(t)
	_, err := r.RegisterPeer("peer-1", "http://peer1", "s")
	require.NoError(t, err)

	session := l.BeginImport("n.py", "python", "", "")
	l.RecordNodeImported("node-1", "function", "n", "n", "1", language.Python, "n.py", session, nil)
	_, err = reg.CommitNode("node-1", language.Python, 49, nil)
	require.NoError(t, err)

	handler := r.InboundHandler()
	body := `{"source":"a33","records":["hello"]}`

	var lastCode int
	for i := 0; i < inboundRateBurst+5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/relay/a49", strings.NewReader(body))
		req.Header.Set("X-Peer-ID", "peer-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	require.Equal(t, http.StatusTooManyRequests, lastCode)

	// A different peer gets its own bucket and is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/relay/a49", strings.NewReader(body))
	req.Header.Set("X-Peer-ID", "peer-2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}
