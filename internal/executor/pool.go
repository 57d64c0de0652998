// Package executor implements the per-language execution capability pool.
// Each language is either in-process (shared namespace; the primary
// engine, backed by an embedded goja VM) or subprocess-shaped (isolated
// by construction). Every capability exposes two factories: SharedInstance,
// for production runs that keep REPL-like state across calls, and
// FreshInstance, for isolated speculative runs. Subprocess languages
// collapse both factories to the same implementation since a fresh
// subprocess is spawned per run regardless.
package executor

import (
	"context"
	"fmt"
	"sync"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	domainexec "github.com/r3e-network/execfabric/internal/domain/executor"
	"github.com/r3e-network/execfabric/internal/domain/language"
)

// Runner executes one code fragment and reports a uniform result.
type Runner interface {
	Execute(ctx context.Context, code string) (domainexec.Result, error)
}

// Capability is a per-language execution backend with two isolation modes.
type Capability interface {
	// SharedInstance returns a runner that persists state across calls
	// (used for promoted/production executions).
	SharedInstance() Runner
	// FreshInstance returns a runner with a clean namespace (used for
	// staging speculation).
	FreshInstance() Runner
}

// Pool is the process-wide registry of per-language execution capabilities.
type Pool struct {
	mu           sync.RWMutex
	capabilities map[language.ID]Capability
}

// NewPool constructs a pool with the default capability set: the
// in-process capability for the primary language and a subprocess
// capability, backed by an echo command, for every other recognized
// language.
func NewPool() *Pool {
	p := &Pool{capabilities: make(map[language.ID]Capability)}
	p.capabilities[language.Primary] = NewInProcessCapability()
	for _, d := range language.All() {
		if d.ID == language.Primary {
			continue
		}
		p.capabilities[d.ID] = NewSubprocessCapability(d.ID, EchoCommand)
	}
	return p
}

// Register installs or overrides the capability for a language. Used to
// wire a real toolchain command into a subprocess language.
func (p *Pool) Register(id language.ID, cap Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capabilities[id] = cap
}

func (p *Pool) capability(id language.ID) (Capability, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cap, ok := p.capabilities[id]
	if !ok {
		return nil, fabricerrors.ExecutorUnavailable(string(id))
	}
	return cap, nil
}

// ExecuteShared runs code using the language's shared, stateful instance.
func (p *Pool) ExecuteShared(ctx context.Context, id language.ID, code string) (domainexec.Result, error) {
	cap, err := p.capability(id)
	if err != nil {
		return domainexec.Result{}, err
	}
	return cap.SharedInstance().Execute(ctx, code)
}

// ExecuteFresh runs code using a fresh, isolated instance of the language's
// executor. This is the speculation path.
func (p *Pool) ExecuteFresh(ctx context.Context, id language.ID, code string) (domainexec.Result, error) {
	cap, err := p.capability(id)
	if err != nil {
		return domainexec.Result{}, err
	}
	return cap.FreshInstance().Execute(ctx, code)
}

// EchoCommand is the default subprocess "toolchain": it does not actually
// shell out (executor back-ends are out of scope), it simply reports how
// many bytes of code it was given ("ok: N bytes executed"). Real deployments call Pool.Register with a command
// that invokes the language's actual compiler/interpreter.
func EchoCommand(ctx context.Context, code string) (string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	return fmt.Sprintf("ok: %d bytes executed", len(code)), nil
}
