// Package matrix defines the data shapes for the execution matrix: slots,
// engine rows, permissions, and addresses.
package matrix

import (
	"fmt"
	"time"

	"github.com/r3e-network/execfabric/internal/domain/language"
)

// Permission is one of the four capabilities checked at the slot boundary.
type Permission string

const (
	PermGET  Permission = "GET"
	PermPUSH Permission = "PUSH"
	PermPOST Permission = "POST"
	PermDEL  Permission = "DEL"
)

// PermissionSet is the set of capabilities a slot grants.
type PermissionSet struct {
	GET  bool
	PUSH bool
	POST bool
	DEL  bool
}

// DefaultPermissions is the grant a freshly committed slot receives.
func DefaultPermissions() PermissionSet {
	return PermissionSet{GET: true, PUSH: true, POST: true, DEL: false}
}

// PromotionPermissions is the fixed grant promotion applies: read and
// push only, no out-of-band execution, no clearing.
func PromotionPermissions() PermissionSet {
	return PermissionSet{GET: true, PUSH: true, POST: false, DEL: false}
}

// Address is the canonical "<letter><position>" slot address.
type Address struct {
	Letter   byte
	Position int
}

func (a Address) String() string { return fmt.Sprintf("%c%d", a.Letter, a.Position) }

// BufferRecord is one entry in a slot's bounded input or output buffer.
type BufferRecord struct {
	Data      any
	Source    string
	At        time.Time
	Success   bool
	Error     string
	Elapsed   time.Duration
}

// Stats tracks a slot's execution statistics.
type Stats struct {
	Count       int
	LastElapsed time.Duration
	LastOutput  string
	LastError   string
	LastAt      time.Time
}

// Slot is a live cell in the execution matrix.
type Slot struct {
	ID               string // global nra## identifier
	Address          Address
	EngineName       language.ID
	Position         int
	NodeID           string // bound node id, empty when unbound
	CommittedVersion int
	ExecutedVersion  int
	CachedSource     string // source the slot will execute next; may lag or diverge from the ledger's current version (rollback, hot-swap)
	Permissions      PermissionSet
	InputBuffer      []BufferRecord
	OutputBuffer     []BufferRecord
	Stats            Stats
	Subscriptions    []string // publisher slot ids feeding this slot's input
}

// Bound reports whether the slot currently carries a node.
func (s *Slot) Bound() bool { return s.NodeID != "" }

// Dirty reports whether the ledger's version for the bound node exceeds
// what this slot has committed.
func (s *Slot) Dirty(ledgerVersion int) bool {
	return s.Bound() && s.CommittedVersion < ledgerVersion
}

// EngineRow is the fixed descriptor plus dense slot array for one language.
type EngineRow struct {
	Name         language.ID
	Letter       byte
	MaxPositions int
	Slots        []*Slot // index 0 == position 1
}
