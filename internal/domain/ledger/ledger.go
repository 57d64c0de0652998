// Package ledger defines the data shapes for the append-only session
// ledger: entries, derived node snapshots, and code-version history.
package ledger

import (
	"time"

	"github.com/r3e-network/execfabric/internal/domain/language"
)

// EntryKind enumerates the kinds of mutation the ledger records.
type EntryKind string

const (
	EntrySessionBegin      EntryKind = "import-session-begin"
	EntryNodeImported      EntryKind = "node-imported"
	EntryCodeEdit          EntryKind = "code-edit"
	EntryLanguageConverted EntryKind = "language-conversion"
	EntryExecuted          EntryKind = "executed"
	EntryDeleted           EntryKind = "deleted"
	EntryConnected         EntryKind = "connected"
	EntryBatch             EntryKind = "batch"
)

// CodeAltering reports whether an entry kind bumps a node's version.
func (k EntryKind) CodeAltering() bool {
	switch k {
	case EntryNodeImported, EntryCodeEdit, EntryLanguageConverted:
		return true
	default:
		return false
	}
}

// DependencyStrategy controls how an import resolves cross-node deps.
type DependencyStrategy string

const (
	DependencyIgnore          DependencyStrategy = "ignore"
	DependencyPreserve        DependencyStrategy = "preserve"
	DependencyConsolidate     DependencyStrategy = "consolidate"
	DependencyRefactorExport  DependencyStrategy = "refactor-export"
	dependencyDefault                            = DependencyPreserve
)

// ResolveDependencyStrategy maps a free-form string to a DependencyStrategy,
// case-insensitively; any unrecognized input (including empty) resolves to
// DependencyPreserve.
func ResolveDependencyStrategy(raw string) DependencyStrategy {
	switch DependencyStrategy(lower(raw)) {
	case DependencyIgnore:
		return DependencyIgnore
	case DependencyPreserve:
		return DependencyPreserve
	case DependencyConsolidate:
		return DependencyConsolidate
	case DependencyRefactorExport:
		return DependencyRefactorExport
	default:
		return dependencyDefault
	}
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Entry is an immutable, totally ordered ledger record.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Kind      EntryKind
	NodeID    string
	Payload   map[string]any
}

// CodeVersion is one historical snapshot of a node's source.
type CodeVersion struct {
	Version int
	Source  string
	At      time.Time
}

// Snapshot is the derived, current-state view of one ledger node.
type Snapshot struct {
	NodeID       string
	DisplayName  string
	RawName      string
	NodeType     string
	LanguageID   language.ID
	Source       string
	Version      int
	IsModified   bool
	IsConverted  bool
	ClassName    string
	Metadata     map[string]any
	History      []CodeVersion
	Active       bool
	ImportSessionNumber int
	SourceFile   string
}

// MaxHistory bounds how many past code versions a snapshot keeps.
const MaxHistory = 50
