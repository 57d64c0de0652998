package executor

import (
	"context"
	"time"

	domainexec "github.com/r3e-network/execfabric/internal/domain/executor"
	"github.com/r3e-network/execfabric/internal/domain/language"
)

// Command is the injectable "compile and run" step for a subprocess
// language. Executor back-ends are out of scope for this module; a real
// deployment supplies one Command per language that shells out to the
// configured toolchain.
type Command func(ctx context.Context, code string) (output string, err error)

// SubprocessCapability executes code by invoking an external Command. Since
// a subprocess is already a fresh, isolated process per invocation, both
// factories return the same Runner implementation.
type SubprocessCapability struct {
	language language.ID
	runner   *subprocessRunner
}

// NewSubprocessCapability constructs a capability for one language backed
// by cmd.
func NewSubprocessCapability(lang language.ID, cmd Command) *SubprocessCapability {
	return &SubprocessCapability{language: lang, runner: &subprocessRunner{cmd: cmd}}
}

func (c *SubprocessCapability) SharedInstance() Runner { return c.runner }
func (c *SubprocessCapability) FreshInstance() Runner  { return c.runner }

type subprocessRunner struct {
	cmd Command
}

func (r *subprocessRunner) Execute(ctx context.Context, code string) (domainexec.Result, error) {
	started := time.Now()
	output, err := r.cmd(ctx, code)
	elapsed := time.Since(started)
	if err != nil {
		return domainexec.Result{Success: false, Error: err.Error(), Elapsed: elapsed}, nil
	}
	return domainexec.Result{Success: true, Output: output, Elapsed: elapsed, Variables: map[string]any{}}, nil
}
