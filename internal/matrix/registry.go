// Package matrix implements the Node Registry: a fixed, permission-governed
// grid of live slots addressed by (engine row, position), derived from the
// session ledger.
package matrix

import (
	"fmt"
	"sort"
	"sync"
	"time"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	"github.com/r3e-network/execfabric/internal/domain/language"
	domainledger "github.com/r3e-network/execfabric/internal/domain/ledger"
	"github.com/r3e-network/execfabric/internal/domain/matrix"
)

// LedgerReader is the read-only view the registry needs from the session
// ledger. The registry never writes back into the ledger and never
// reaches into the staging pipeline; coupling stays one-directional.
type LedgerReader interface {
	GetNodeSnapshot(nodeID string) *domainledger.Snapshot
	GetActiveSnapshots() map[string]*domainledger.Snapshot
}

// Clock is injected for deterministic tests.
type Clock func() time.Time

// Registry is the concurrency-safe execution matrix.
type Registry struct {
	mu sync.RWMutex

	clock          Clock
	bufferCapacity int

	ledger LedgerReader

	rows       map[language.ID]*matrix.EngineRow
	byAddress  map[string]*matrix.Slot // "a3" -> slot
	byID       map[string]*matrix.Slot // "nra01" -> slot
	byNode     map[string]*matrix.Slot // nodeID -> slot
}

// New constructs a registry with every engine row pre-allocated per the
// fixed language descriptor table, all slots initially empty.
func New(ledger LedgerReader, bufferCapacity int) *Registry {
	if bufferCapacity <= 0 {
		bufferCapacity = 256
	}
	r := &Registry{
		clock:          time.Now,
		bufferCapacity: bufferCapacity,
		ledger:         ledger,
		rows:           make(map[language.ID]*matrix.EngineRow),
		byAddress:      make(map[string]*matrix.Slot),
		byID:           make(map[string]*matrix.Slot),
		byNode:         make(map[string]*matrix.Slot),
	}
	r.allocate()
	return r
}

// SetClock overrides the time source; used by tests.
func (r *Registry) SetClock(c Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// allocate pre-allocates every row's dense slot array and assigns global
// nra## identifiers in row-major order from (a,1) onwards.
func (r *Registry) allocate() {
	seq := 1
	for _, d := range language.All() {
		row := &matrix.EngineRow{Name: d.ID, Letter: d.Letter, MaxPositions: d.MaxPositions, Slots: make([]*matrix.Slot, d.MaxPositions)}
		for pos := 1; pos <= d.MaxPositions; pos++ {
			slot := &matrix.Slot{
				ID:          fmt.Sprintf("nra%02d", seq),
				Address:     matrix.Address{Letter: d.Letter, Position: pos},
				EngineName:  d.ID,
				Position:    pos,
				Permissions: matrix.DefaultPermissions(),
			}
			row.Slots[pos-1] = slot
			addr := slot.Address.String()
			r.byAddress[addr] = slot
			r.byID[slot.ID] = slot
			seq++
		}
		r.rows[d.ID] = row
	}
}

// CommitNode binds a ledger node into a matrix slot. If engineName/position
// are empty/zero, selects the first empty slot in the node's current
// language row.
func (r *Registry) CommitNode(nodeID string, engineName language.ID, position int, permissions *matrix.PermissionSet) (*matrix.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.ledger.GetNodeSnapshot(nodeID)
	if snap == nil || !snap.Active {
		return nil, fabricerrors.NotFound("node", nodeID)
	}

	target := engineName
	if target == "" {
		target = snap.LanguageID
	}
	row, ok := r.rows[target]
	if !ok {
		return nil, fabricerrors.InputInvalid("engine", "unknown engine "+string(target))
	}

	var slot *matrix.Slot
	if position > 0 {
		if position > row.MaxPositions {
			return nil, fabricerrors.InputInvalid("position", "out of range")
		}
		slot = row.Slots[position-1]
		if slot.Bound() {
			return nil, fabricerrors.Conflict("slot already occupied")
		}
	} else {
		for _, s := range row.Slots {
			if !s.Bound() {
				slot = s
				break
			}
		}
		if slot == nil {
			return nil, fabricerrors.CapacityExhausted(string(target))
		}
	}

	slot.NodeID = nodeID
	slot.CommittedVersion = snap.Version
	slot.CachedSource = snap.Source
	slot.ExecutedVersion = 0
	if permissions != nil {
		slot.Permissions = *permissions
	} else {
		slot.Permissions = matrix.DefaultPermissions()
	}
	r.byNode[nodeID] = slot

	clone := *slot
	return &clone, nil
}

// CommitAllFromLedger auto-commits every active snapshot not currently
// bound to a slot, tie-broken by display name.
func (r *Registry) CommitAllFromLedger() []*matrix.Slot {
	snapshots := r.ledger.GetActiveSnapshots()

	type candidate struct {
		id   string
		snap *domainledger.Snapshot
	}
	var candidates []candidate
	r.mu.RLock()
	for id, snap := range snapshots {
		if _, bound := r.byNode[id]; bound {
			continue
		}
		candidates = append(candidates, candidate{id: id, snap: snap})
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].snap.DisplayName < candidates[j].snap.DisplayName })

	var out []*matrix.Slot
	for _, c := range candidates {
		slot, err := r.CommitNode(c.id, "", 0, nil)
		if err == nil {
			out = append(out, slot)
		}
	}
	return out
}

// RefreshAllFromLedger compares every bound slot's committed version
// against its ledger snapshot's current version and returns the count of
// slots found dirty. Does not mutate bound code.
func (r *Registry) RefreshAllFromLedger() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dirty := 0
	for _, slot := range r.byNode {
		snap := r.ledger.GetNodeSnapshot(slot.NodeID)
		if snap == nil {
			continue
		}
		if slot.Dirty(snap.Version) {
			dirty++
		}
	}
	return dirty
}

// GetDirtySlots returns slots whose committed version is strictly less
// than the ledger's current version for the same node.
func (r *Registry) GetDirtySlots() []*matrix.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*matrix.Slot
	for _, slot := range r.byNode {
		snap := r.ledger.GetNodeSnapshot(slot.NodeID)
		if snap != nil && slot.Dirty(snap.Version) {
			clone := *slot
			out = append(out, &clone)
		}
	}
	return out
}

// GetSlot looks up a slot by its global nra## identifier.
func (r *Registry) GetSlot(slotID string) *matrix.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.byID[slotID]
	if !ok {
		return nil
	}
	clone := *slot
	return &clone
}

// GetSlotByAddress looks up a slot by engine letter and position.
func (r *Registry) GetSlotByAddress(letter byte, position int) *matrix.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.byAddress[matrix.Address{Letter: letter, Position: position}.String()]
	if !ok {
		return nil
	}
	clone := *slot
	return &clone
}

// GetSlotByNode looks up the slot currently bound to a node, if any.
func (r *Registry) GetSlotByNode(nodeID string) *matrix.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.byNode[nodeID]
	if !ok {
		return nil
	}
	clone := *slot
	return &clone
}

// GetEngineRow returns a dense view of one row's slots.
func (r *Registry) GetEngineRow(name language.ID) *matrix.EngineRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[name]
	if !ok {
		return nil
	}
	out := &matrix.EngineRow{Name: row.Name, Letter: row.Letter, MaxPositions: row.MaxPositions}
	out.Slots = make([]*matrix.Slot, len(row.Slots))
	for i, s := range row.Slots {
		clone := *s
		out.Slots[i] = &clone
	}
	return out
}

// SlotSummary is the per-slot view surfaced by GetMatrixSummary.
type SlotSummary struct {
	SlotID        string
	Address       string
	NodeID        string
	NodeName      string
	Version       int
	ExecCount     int
	LastOutput    string
	Permissions   matrix.PermissionSet
}

// RowSummary aggregates one engine row's occupancy.
type RowSummary struct {
	Engine    language.ID
	Capacity  int
	Committed int
	Slots     []SlotSummary
}

// Summary is the structured view returned by GetMatrixSummary.
type Summary struct {
	TotalCapacity  int
	TotalCommitted int
	Rows           map[language.ID]RowSummary
}

// GetMatrixSummary returns total capacity, total committed, per-engine
// occupancy, and per-slot summaries.
func (r *Registry) GetMatrixSummary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Summary{Rows: make(map[language.ID]RowSummary)}
	for name, row := range r.rows {
		rs := RowSummary{Engine: name, Capacity: row.MaxPositions}
		for _, s := range row.Slots {
			out.TotalCapacity++
			if !s.Bound() {
				continue
			}
			rs.Committed++
			out.TotalCommitted++
			nodeName := ""
			if snap := r.ledger.GetNodeSnapshot(s.NodeID); snap != nil {
				nodeName = snap.DisplayName
			}
			rs.Slots = append(rs.Slots, SlotSummary{
				SlotID:      s.ID,
				Address:     s.Address.String(),
				NodeID:      s.NodeID,
				NodeName:    nodeName,
				Version:     s.CommittedVersion,
				ExecCount:   s.Stats.Count,
				LastOutput:  s.Stats.LastOutput,
				Permissions: s.Permissions,
			})
		}
		out.Rows[name] = rs
	}
	return out
}

// ClearSlot requires DEL permission; unbinds the node and zeroes
// statistics. Permissions are retained, and the nra## identifier is
// reused by the next commit into this cell.
func (r *Registry) ClearSlot(slotID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.byID[slotID]
	if !ok || !slot.Permissions.DEL {
		return false
	}
	delete(r.byNode, slot.NodeID)
	slot.NodeID = ""
	slot.CommittedVersion = 0
	slot.ExecutedVersion = 0
	slot.CachedSource = ""
	slot.Stats = matrix.Stats{}
	slot.InputBuffer = nil
	slot.OutputBuffer = nil
	slot.Subscriptions = nil
	return true
}

// ForceClearSlot unbinds a slot regardless of its DEL permission. Used
// only by privileged internal callers (the staging pipeline's rollback
// step); external callers must go through ClearSlot instead.
func (r *Registry) ForceClearSlot(slotID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.byID[slotID]
	if !ok {
		return false
	}
	delete(r.byNode, slot.NodeID)
	slot.NodeID = ""
	slot.CommittedVersion = 0
	slot.ExecutedVersion = 0
	slot.CachedSource = ""
	slot.Stats = matrix.Stats{}
	slot.InputBuffer = nil
	slot.OutputBuffer = nil
	slot.Subscriptions = nil
	return true
}

// SetSlotPermissions replaces one slot's permission set.
func (r *Registry) SetSlotPermissions(slotID string, set matrix.PermissionSet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byID[slotID]
	if !ok {
		return false
	}
	slot.Permissions = set
	return true
}

// SetEnginePermissions replaces the permission set on every slot of a row.
func (r *Registry) SetEnginePermissions(engineName language.ID, set matrix.PermissionSet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[engineName]
	if !ok {
		return false
	}
	for _, s := range row.Slots {
		s.Permissions = set
	}
	return true
}

// PushToSlot requires PUSH permission; appends to the slot's bounded input
// buffer with source metadata and timestamp. Overflow drops the oldest
// record.
func (r *Registry) PushToSlot(slotID string, data any, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.byID[slotID]
	if !ok || !slot.Permissions.PUSH {
		return false
	}
	rec := matrix.BufferRecord{Data: data, Source: source, At: r.now()}
	slot.InputBuffer = append(slot.InputBuffer, rec)
	if len(slot.InputBuffer) > r.bufferCapacity {
		slot.InputBuffer = slot.InputBuffer[len(slot.InputBuffer)-r.bufferCapacity:]
	}
	return true
}

// DrainInputBuffer removes and returns all pending inputs.
func (r *Registry) DrainInputBuffer(slotID string) []matrix.BufferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byID[slotID]
	if !ok {
		return nil
	}
	out := slot.InputBuffer
	slot.InputBuffer = nil
	return out
}

// ReadSlotOutput requires GET permission; returns a copy of the last n
// output records without mutating the buffer.
func (r *Registry) ReadSlotOutput(slotID string, lastN int) ([]matrix.BufferRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.byID[slotID]
	if !ok || !slot.Permissions.GET {
		return nil, false
	}
	buf := slot.OutputBuffer
	if lastN > 0 && lastN < len(buf) {
		buf = buf[len(buf)-lastN:]
	}
	out := make([]matrix.BufferRecord, len(buf))
	copy(out, buf)
	return out, true
}

// RecordExecution updates statistics, pushes an output record, and sets
// the slot's last-executed version to its committed version. This is the
// hot-swap pickup point: if the bound node has a newer ledger version
// than the slot last committed, the execution that just completed is
// understood to have run the latest source, so the slot's committed
// version and cached source advance to match before the executed-version
// tag is set, without ever clearing the slot.
func (r *Registry) RecordExecution(slotID string, success bool, output, errMsg string, elapsed time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byID[slotID]
	if !ok {
		return false
	}
	if snap := r.ledger.GetNodeSnapshot(slot.NodeID); snap != nil && slot.CommittedVersion < snap.Version {
		slot.CommittedVersion = snap.Version
		slot.CachedSource = snap.Source
	}
	now := r.now()
	slot.Stats.Count++
	slot.Stats.LastElapsed = elapsed
	slot.Stats.LastOutput = output
	slot.Stats.LastError = errMsg
	slot.Stats.LastAt = now
	slot.OutputBuffer = append(slot.OutputBuffer, matrix.BufferRecord{
		Data: output, At: now, Success: success, Error: errMsg, Elapsed: elapsed,
	})
	if len(slot.OutputBuffer) > r.bufferCapacity {
		slot.OutputBuffer = slot.OutputBuffer[len(slot.OutputBuffer)-r.bufferCapacity:]
	}
	slot.ExecutedVersion = slot.CommittedVersion
	return true
}

// RollbackSlot binds the slot to the historical source at targetVersion
// from the ledger snapshot's version history. Does not create a new
// ledger version; it mutates only the slot's committed-version tag and
// cached code. The ledger remains the source of truth, so the slot is
// reported dirty until the next recorded execution re-aligns it with the
// ledger's current version.
func (r *Registry) RollbackSlot(slotID string, targetVersion int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.byID[slotID]
	if !ok || !slot.Bound() {
		return false
	}
	snap := r.ledger.GetNodeSnapshot(slot.NodeID)
	if snap == nil {
		return false
	}
	if snap.Version == targetVersion {
		slot.CommittedVersion = targetVersion
		slot.CachedSource = snap.Source
		return true
	}
	for _, v := range snap.History {
		if v.Version == targetVersion {
			slot.CommittedVersion = targetVersion
			slot.CachedSource = v.Source
			return true
		}
	}
	return false
}

// Subscribe records that publisherSlotID's output should flow into
// subscriberSlotID's input on the next drain tick.
func (r *Registry) Subscribe(subscriberSlotID, publisherSlotID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[subscriberSlotID]
	if !ok {
		return false
	}
	if _, ok := r.byID[publisherSlotID]; !ok {
		return false
	}
	for _, existing := range sub.Subscriptions {
		if existing == publisherSlotID {
			return true
		}
	}
	sub.Subscriptions = append(sub.Subscriptions, publisherSlotID)
	return true
}

// Tick drains each subscribed publisher's recent output preview (up to 5
// records) into every subscriber's input buffer. Safe to call periodically
// or invoke explicitly.
func (r *Registry) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.byID {
		for _, pubID := range sub.Subscriptions {
			pub, ok := r.byID[pubID]
			if !ok {
				continue
			}
			preview := pub.OutputBuffer
			if len(preview) > 5 {
				preview = preview[len(preview)-5:]
			}
			for _, rec := range preview {
				sub.InputBuffer = append(sub.InputBuffer, matrix.BufferRecord{Data: rec.Data, Source: pubID, At: r.now()})
			}
			if len(sub.InputBuffer) > r.bufferCapacity {
				sub.InputBuffer = sub.InputBuffer[len(sub.InputBuffer)-r.bufferCapacity:]
			}
		}
	}
}
