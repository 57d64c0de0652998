package language

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimaryEngineIsPythonOnRowA(t *testing.T) {
	require.Equal(t, Python, Primary)

	d, ok := ByLetter('a')
	require.True(t, ok)
	require.Equal(t, Python, d.ID)
	require.Equal(t, 64, d.MaxPositions)
	require.Equal(t, InProcess, d.Mode)
	require.Equal(t, "py", d.FileExtension)
}

func TestRowAssignmentsAndCapacity(t *testing.T) {
	all := All()
	require.Len(t, all, 15)
	require.Equal(t, byte('a'), all[0].Letter)
	require.Equal(t, byte('o'), all[len(all)-1].Letter)

	d, ok := ByLetter('b')
	require.True(t, ok)
	require.Equal(t, JavaScript, d.ID)
	require.Equal(t, 16, d.MaxPositions)
	require.Equal(t, Subprocess, d.Mode)

	// 64 primary positions plus fourteen 16-position rows.
	require.Equal(t, 288, TotalCapacity())
}

func TestParseIsCaseInsensitive(t *testing.T) {
	id, ok := Parse("  Python ")
	require.True(t, ok)
	require.Equal(t, Python, id)

	_, ok = Parse("cobol")
	require.False(t, ok)
}
