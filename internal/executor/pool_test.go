package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/execfabric/internal/domain/language"
)

func TestExecuteFreshPrimaryCapturesPrintedOutput(t *testing.T) {
	pool := NewPool()
	result, err := pool.ExecuteFresh(context.Background(), language.Python, `print("OK")`)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Output, "OK")
}

func TestSharedInstancePersistsNamespaceAcrossCalls(t *testing.T) {
	pool := NewPool()
	_, err := pool.ExecuteShared(context.Background(), language.Python, `counter = 41`)
	require.NoError(t, err)

	result, err := pool.ExecuteShared(context.Background(), language.Python, `counter + 1`)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Output, "42")
}

func TestFreshInstanceDoesNotSeeSharedState(t *testing.T) {
	pool := NewPool()
	_, err := pool.ExecuteShared(context.Background(), language.Python, `counter = 42`)
	require.NoError(t, err)

	// The name only exists in the shared namespace; a fresh instance must
	// fail to resolve it.
	result, err := pool.ExecuteFresh(context.Background(), language.Python, `counter`)
	require.NoError(t, err)
	require.False(t, result.Success)
}

func TestExecutorUnavailableForUnknownLanguage(t *testing.T) {
	pool := NewPool()
	_, err := pool.ExecuteFresh(context.Background(), language.ID("cobol"), "x")
	require.Error(t, err)
}

func TestRuntimeErrorIsNotASystemError(t *testing.T) {
	pool := NewPool()
	result, err := pool.ExecuteFresh(context.Background(), language.Python, `no_such_name`)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "no_such_name")
}

func TestSubprocessCapabilityEchoesByDefault(t *testing.T) {
	pool := NewPool()
	result, err := pool.ExecuteFresh(context.Background(), language.JavaScript, `console.log(1)`)
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestRegisterOverridesSubprocessCommand(t *testing.T) {
	pool := NewPool()
	pool.Register(language.JavaScript, NewSubprocessCapability(language.JavaScript, func(ctx context.Context, code string) (string, error) {
		return "custom:" + code, nil
	}))
	result, err := pool.ExecuteFresh(context.Background(), language.JavaScript, "x")
	require.NoError(t, err)
	require.Equal(t, "custom:x", result.Output)
}
