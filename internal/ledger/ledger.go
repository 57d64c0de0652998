// Package ledger implements the append-only session ledger: the sole
// source of truth for every node's identity, code, and history.
package ledger

import (
	"sort"
	"sync"
	"time"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	"github.com/r3e-network/execfabric/internal/domain/language"
	"github.com/r3e-network/execfabric/internal/domain/ledger"
)

// Clock is injected for deterministic tests.
type Clock func() time.Time

// Ledger is the process-wide, concurrency-safe append-only event log plus
// its derived node-snapshot projection.
type Ledger struct {
	mu sync.RWMutex

	clock Clock

	maxHistory int

	nextEntryID   int64
	nextSession   int64
	entries       []ledger.Entry
	snapshots     map[string]*ledger.Snapshot // nodeID -> snapshot
	executions    map[string][]ledger.Entry   // nodeID -> executed entries, append order
	fileImports   map[string]struct{}         // dedup set of raw import strings
	sessionImports map[int64][]string         // session -> import directives
}

// New constructs an empty ledger. maxHistory bounds each snapshot's code
// version history (0 uses the domain package default).
func New(maxHistory int) *Ledger {
	if maxHistory <= 0 {
		maxHistory = ledger.MaxHistory
	}
	return &Ledger{
		clock:          time.Now,
		maxHistory:     maxHistory,
		nextEntryID:    1,
		nextSession:    1,
		snapshots:      make(map[string]*ledger.Snapshot),
		executions:     make(map[string][]ledger.Entry),
		fileImports:    make(map[string]struct{}),
		sessionImports: make(map[int64][]string),
	}
}

// SetClock overrides the time source; used by tests.
func (l *Ledger) SetClock(c Clock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = c
}

func (l *Ledger) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}

// append records a new entry under the write lock. Callers must already
// hold l.mu. It never loses the entry it is given: append-or-fail
// atomicity is satisfied here since there is nothing after the slice
// append that can fail.
func (l *Ledger) append(kind ledger.EntryKind, nodeID string, payload map[string]any) ledger.Entry {
	e := ledger.Entry{
		ID:        l.nextEntryID,
		Timestamp: l.now(),
		Kind:      kind,
		NodeID:    nodeID,
		Payload:   payload,
	}
	l.nextEntryID++
	l.entries = append(l.entries, e)
	return e
}

// BeginImport allocates a fresh session number and appends a session-begin
// entry. Returns the session number.
func (l *Ledger) BeginImport(sourceFile, sourceLanguage, fileContent, dependencyStrategy string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	session := l.nextSession
	l.nextSession++

	strategy := ledger.ResolveDependencyStrategy(dependencyStrategy)
	l.append(ledger.EntrySessionBegin, "", map[string]any{
		"session":             session,
		"source_file":         sourceFile,
		"source_language":     sourceLanguage,
		"file_content":        fileContent,
		"dependency_strategy": string(strategy),
	})
	return session
}

// RecordNodeImported appends a node-imported entry and initializes the
// node's snapshot at version 1.
func (l *Ledger) RecordNodeImported(nodeID, nodeType, displayName, rawName, sourceCode string, sourceLanguage language.ID, sourceFile string, importSession int64, metadata map[string]any) *ledger.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.append(ledger.EntryNodeImported, nodeID, map[string]any{
		"node_type":    nodeType,
		"display_name": displayName,
		"raw_name":     rawName,
		"source":       sourceCode,
		"language":     string(sourceLanguage),
		"source_file":  sourceFile,
		"session":      importSession,
	})

	snap := &ledger.Snapshot{
		NodeID:               nodeID,
		DisplayName:          displayName,
		RawName:              rawName,
		NodeType:             nodeType,
		LanguageID:           sourceLanguage,
		Source:               sourceCode,
		Version:              1,
		Metadata:             metadata,
		Active:               true,
		ImportSessionNumber:  int(importSession),
		SourceFile:           sourceFile,
	}
	l.snapshots[nodeID] = snap

	clone := *snap
	return &clone
}

// RecordFileImports appends a per-session list of import directives.
func (l *Ledger) RecordFileImports(session int64, imports []string, sourceFile string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.append(ledger.EntryBatch, "", map[string]any{
		"kind":        "file-imports",
		"session":     session,
		"imports":     append([]string(nil), imports...),
		"source_file": sourceFile,
	})
	l.sessionImports[session] = append(l.sessionImports[session], imports...)
	for _, imp := range imports {
		l.fileImports[imp] = struct{}{}
	}
}

// GetFileImports returns the union of all recorded imports across every
// session, deduplicated and sorted ascending.
func (l *Ledger) GetFileImports() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.fileImports))
	for imp := range l.fileImports {
		out = append(out, imp)
	}
	sort.Strings(out)
	return out
}

// RecordCodeEdit appends a code-edit entry, increments the node's version,
// and pushes the prior source onto its bounded history.
func (l *Ledger) RecordCodeEdit(nodeID, newSource, reason string) (*ledger.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, ok := l.snapshots[nodeID]
	if !ok || !snap.Active {
		return nil, fabricerrors.NotFound("node", nodeID)
	}

	now := l.now()
	l.append(ledger.EntryCodeEdit, nodeID, map[string]any{"source": newSource, "reason": reason})

	snap.History = append(snap.History, ledger.CodeVersion{Version: snap.Version, Source: snap.Source, At: now})
	if len(snap.History) > l.maxHistory {
		snap.History = snap.History[len(snap.History)-l.maxHistory:]
	}
	snap.Source = newSource
	snap.Version++
	snap.IsModified = true

	clone := *snap
	return &clone, nil
}

// RecordLanguageConversion is like RecordCodeEdit but also updates the
// node's current language and marks it converted.
func (l *Ledger) RecordLanguageConversion(nodeID string, newLanguage language.ID, newSource string) (*ledger.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, ok := l.snapshots[nodeID]
	if !ok || !snap.Active {
		return nil, fabricerrors.NotFound("node", nodeID)
	}

	now := l.now()
	l.append(ledger.EntryLanguageConverted, nodeID, map[string]any{
		"language": string(newLanguage),
		"source":   newSource,
	})

	snap.History = append(snap.History, ledger.CodeVersion{Version: snap.Version, Source: snap.Source, At: now})
	if len(snap.History) > l.maxHistory {
		snap.History = snap.History[len(snap.History)-l.maxHistory:]
	}
	snap.Source = newSource
	snap.LanguageID = newLanguage
	snap.Version++
	snap.IsModified = true
	snap.IsConverted = true

	clone := *snap
	return &clone, nil
}

// RecordNodeExecuted appends an execute entry. Non-mutating to the
// snapshot's version.
func (l *Ledger) RecordNodeExecuted(nodeID string, success bool, output, errMsg string, elapsed time.Duration, variables map[string]any, codeVersion int) (ledger.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.snapshots[nodeID]; !ok {
		return ledger.Entry{}, fabricerrors.NotFound("node", nodeID)
	}

	e := l.append(ledger.EntryExecuted, nodeID, map[string]any{
		"success":      success,
		"output":       output,
		"error":        errMsg,
		"elapsed":      elapsed,
		"variables":    variables,
		"code_version": codeVersion,
	})
	l.executions[nodeID] = append(l.executions[nodeID], e)
	return e, nil
}

// RecordExecutionBatch appends a batch record for cross-node grouping.
func (l *Ledger) RecordExecutionBatch(nodeIDs []string, success bool, totalTime time.Duration) ledger.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.append(ledger.EntryBatch, "", map[string]any{
		"kind":       "execution-batch",
		"node_ids":   append([]string(nil), nodeIDs...),
		"success":    success,
		"total_time": totalTime,
	})
}

// RecordNodeDeleted appends a delete entry; the node ceases to appear in
// GetActiveSnapshots though its history remains queryable by id.
func (l *Ledger) RecordNodeDeleted(nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, ok := l.snapshots[nodeID]
	if !ok || !snap.Active {
		return fabricerrors.NotFound("node", nodeID)
	}
	l.append(ledger.EntryDeleted, nodeID, nil)
	snap.Active = false
	return nil
}

// GetNodeSnapshot returns the derived snapshot, or nil if unknown. Never
// fabricates a snapshot for an unknown node id.
func (l *Ledger) GetNodeSnapshot(nodeID string) *ledger.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap, ok := l.snapshots[nodeID]
	if !ok {
		return nil
	}
	clone := *snap
	return &clone
}

// GetActiveSnapshots returns all currently-undeleted nodes.
func (l *Ledger) GetActiveSnapshots() map[string]*ledger.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]*ledger.Snapshot, len(l.snapshots))
	for id, snap := range l.snapshots {
		if !snap.Active {
			continue
		}
		clone := *snap
		out[id] = &clone
	}
	return out
}

// GetNodeExecutions returns the ordered execute entries for a node.
func (l *Ledger) GetNodeExecutions(nodeID string) []ledger.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	src := l.executions[nodeID]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out
}

// ExportNode is the shape returned by GetNodesForExport.
type ExportNode struct {
	NodeID   string
	Source   string
	Language language.ID
}

// GetNodesForExport returns active nodes in creation order with current
// source and language, consumed by bulk runners.
func (l *Ledger) GetNodesForExport() []ExportNode {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	var order []string
	for _, e := range l.entries {
		if e.Kind != ledger.EntryNodeImported || e.NodeID == "" || seen[e.NodeID] {
			continue
		}
		seen[e.NodeID] = true
		order = append(order, e.NodeID)
	}

	out := make([]ExportNode, 0, len(order))
	for _, id := range order {
		snap, ok := l.snapshots[id]
		if !ok || !snap.Active {
			continue
		}
		out = append(out, ExportNode{NodeID: id, Source: snap.Source, Language: snap.LanguageID})
	}
	return out
}

// RebuildFromLog recomputes every snapshot from the raw entry log. A full
// rebuild must yield the same result as the writable projection; tests
// hold the two views against each other.
func (l *Ledger) RebuildFromLog() map[string]*ledger.Snapshot {
	l.mu.RLock()
	entries := make([]ledger.Entry, len(l.entries))
	copy(entries, l.entries)
	maxHistory := l.maxHistory
	l.mu.RUnlock()

	rebuilt := make(map[string]*ledger.Snapshot)
	for _, e := range entries {
		switch e.Kind {
		case ledger.EntryNodeImported:
			displayName, _ := e.Payload["display_name"].(string)
			rawName, _ := e.Payload["raw_name"].(string)
			nodeType, _ := e.Payload["node_type"].(string)
			source, _ := e.Payload["source"].(string)
			langRaw, _ := e.Payload["language"].(string)
			sourceFile, _ := e.Payload["source_file"].(string)
			rebuilt[e.NodeID] = &ledger.Snapshot{
				NodeID:      e.NodeID,
				DisplayName: displayName,
				RawName:     rawName,
				NodeType:    nodeType,
				LanguageID:  language.ID(langRaw),
				Source:      source,
				SourceFile:  sourceFile,
				Version:     1,
				Active:      true,
			}
		case ledger.EntryCodeEdit:
			snap, ok := rebuilt[e.NodeID]
			if !ok {
				continue
			}
			newSource, _ := e.Payload["source"].(string)
			snap.History = append(snap.History, ledger.CodeVersion{Version: snap.Version, Source: snap.Source, At: e.Timestamp})
			if len(snap.History) > maxHistory {
				snap.History = snap.History[len(snap.History)-maxHistory:]
			}
			snap.Source = newSource
			snap.Version++
			snap.IsModified = true
		case ledger.EntryLanguageConverted:
			snap, ok := rebuilt[e.NodeID]
			if !ok {
				continue
			}
			newSource, _ := e.Payload["source"].(string)
			langRaw, _ := e.Payload["language"].(string)
			snap.History = append(snap.History, ledger.CodeVersion{Version: snap.Version, Source: snap.Source, At: e.Timestamp})
			if len(snap.History) > maxHistory {
				snap.History = snap.History[len(snap.History)-maxHistory:]
			}
			snap.Source = newSource
			snap.LanguageID = language.ID(langRaw)
			snap.Version++
			snap.IsModified = true
			snap.IsConverted = true
		case ledger.EntryDeleted:
			if snap, ok := rebuilt[e.NodeID]; ok {
				snap.Active = false
			}
		}
	}
	return rebuilt
}
