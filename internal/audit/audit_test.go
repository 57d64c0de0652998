package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/execfabric/internal/domain/staging"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestWriteAndReadTrailRoundTrips(t *testing.T) {
	w, path := newTestWriter(t)

	require.NoError(t, w.Write(staging.EventSnippetQueued, "stg-aaa", map[string]any{"label": "one"}))
	require.NoError(t, w.Write(staging.EventSlotReserved, "stg-aaa", map[string]any{"address": "a1"}))
	require.NoError(t, w.Write(staging.EventSnippetQueued, "stg-bbb", nil))

	events, err := ReadTrail(path, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	require.Equal(t, "stg-bbb", events[0].StagingID)
	require.Equal(t, staging.EventSlotReserved, events[1].Event)
	require.Equal(t, "one", events[2].Data["label"])
}

func TestReadTrailFiltersByStagingID(t *testing.T) {
	w, path := newTestWriter(t)
	require.NoError(t, w.Write(staging.EventSnippetQueued, "stg-aaa", nil))
	require.NoError(t, w.Write(staging.EventSnippetQueued, "stg-bbb", nil))

	events, err := ReadTrail(path, "stg-aaa", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "stg-aaa", events[0].StagingID)
}

func TestReadTrailHonorsLimit(t *testing.T) {
	w, path := newTestWriter(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(staging.EventSnippetQueued, "stg-aaa", nil))
	}
	events, err := ReadTrail(path, "", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestReadTrailMissingFileReturnsNothing(t *testing.T) {
	events, err := ReadTrail(filepath.Join(t.TempDir(), "absent.jsonl"), "", 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEventTimestampsComeFromInjectedClock(t *testing.T) {
	w, path := newTestWriter(t)
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	w.SetClock(func() time.Time { return fixed })

	require.NoError(t, w.Write(staging.EventPromotionStarted, "stg-ccc", nil))

	events, err := ReadTrail(path, "stg-ccc", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, fixed.Format(time.RFC3339Nano), events[0].ISOTime)
}
