package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	domainexec "github.com/r3e-network/execfabric/internal/domain/executor"
)

// InProcessCapability backs the primary engine: snippets run inside an
// embedded goja VM in this process rather than in a subprocess. It keeps
// one shared VM for production runs, giving them REPL-like namespace
// persistence, and hands out a brand new VM per call for speculation, so
// speculative code never sees or pollutes the shared namespace.
type InProcessCapability struct {
	mu     sync.Mutex
	shared *vmRunner
}

// NewInProcessCapability constructs a capability with a lazily-created
// shared runtime.
func NewInProcessCapability() *InProcessCapability {
	return &InProcessCapability{}
}

func (c *InProcessCapability) SharedInstance() Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared == nil {
		c.shared = newVMRunner()
	}
	return c.shared
}

func (c *InProcessCapability) FreshInstance() Runner {
	return newVMRunner()
}

// vmRunner wraps one goja.Runtime. A production (shared) runner reuses
// its runtime across Execute calls; a speculative (fresh) runner is
// thrown away after one call. goja.Runtime is not safe for concurrent
// use, so Execute serializes.
type vmRunner struct {
	mu sync.Mutex
	vm *goja.Runtime
}

func newVMRunner() *vmRunner {
	return &vmRunner{vm: goja.New()}
}

func (r *vmRunner) Execute(ctx context.Context, code string) (domainexec.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var logs []string
	if err := attachConsole(r.vm, &logs); err != nil {
		return domainexec.Result{}, fmt.Errorf("attach console: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	started := time.Now().UTC()
	val, err := r.vm.RunString(code)
	elapsed := time.Since(started)
	if err != nil {
		return domainexec.Result{
			Success: false,
			Error:   runtimeErrorMessage(err, ctx),
			Elapsed: elapsed,
		}, nil
	}

	exported := val.Export()
	output, variables := projectResult(exported)
	if len(logs) > 0 {
		// Anything the snippet printed is its observable output, the way
		// captured stdout would be; the final expression value only stands
		// in when nothing was printed.
		output = strings.Join(logs, "\n")
		variables["logs"] = logs
	}

	return domainexec.Result{
		Success:   true,
		Output:    output,
		Elapsed:   elapsed,
		Variables: variables,
	}, nil
}

func attachConsole(vm *goja.Runtime, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		*logs = append(*logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	// print() is the primary engine's idiomatic output call; route it to
	// the same captured log stream.
	if err := vm.Set("print", logFn); err != nil {
		return err
	}
	return vm.Set("console", console)
}

// projectResult renders the script's exported value into a textual output
// preview plus a JSON-serializable projection of scalar variables; values
// that cannot be serialized are rendered as bounded strings.
func projectResult(exported any) (string, map[string]any) {
	variables := make(map[string]any)
	switch v := exported.(type) {
	case nil:
		return "undefined", variables
	case map[string]any:
		for key, val := range v {
			variables[key] = scalarize(val)
		}
		return fmt.Sprintf("%v", v), variables
	case string, bool, int64, float64:
		variables["result"] = v
		return fmt.Sprintf("%v", v), variables
	default:
		rendered := fmt.Sprintf("%v", v)
		if len(rendered) > 256 {
			rendered = rendered[:256] + "...(truncated)"
		}
		variables["result"] = rendered
		return rendered, variables
	}
}

func scalarize(v any) any {
	switch v.(type) {
	case string, bool, int64, float64, int, nil:
		return v
	default:
		rendered := fmt.Sprintf("%v", v)
		if len(rendered) > 256 {
			rendered = rendered[:256] + "...(truncated)"
		}
		return rendered
	}
}

func runtimeErrorMessage(err error, ctx context.Context) string {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr.Error()
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return interrupted.Error()
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Error()
	}
	return err.Error()
}
