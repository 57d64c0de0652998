// Package executor defines the data shape every per-language execution
// capability returns: execute(code) -> {success, output, error, time, variables}.
package executor

import "time"

// Result is the uniform outcome of running one code fragment.
type Result struct {
	Success   bool
	Output    string
	Error     string
	Elapsed   time.Duration
	Variables map[string]any
}
