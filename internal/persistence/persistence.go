// Package persistence checkpoints promoted snippets and live marshal
// tokens to a single JSON file and restores them on startup by replaying
// the staging pipeline.
package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	"github.com/r3e-network/execfabric/internal/domain/language"
	domainstaging "github.com/r3e-network/execfabric/internal/domain/staging"
	domaintoken "github.com/r3e-network/execfabric/internal/domain/token"
	"github.com/r3e-network/execfabric/internal/metrics"
	"github.com/r3e-network/execfabric/internal/staging"
	"github.com/r3e-network/execfabric/internal/token"
	"github.com/r3e-network/execfabric/pkg/logger"
)

// checkpointVersion identifies the on-disk schema so a future format
// change can detect and migrate older files.
const checkpointVersion = 1

// LockedSlotRecord is one entry of a checkpoint's locked_slots map.
type LockedSlotRecord struct {
	LockedAt float64 `json:"locked_at"`
	LockedBy string  `json:"locked_by"`
	Reason   string  `json:"reason"`
}

// MarshalTokenRecord is one entry of a checkpoint's marshal_tokens map.
type MarshalTokenRecord struct {
	StagingID    string  `json:"staging_id"`
	CreatedAt    float64 `json:"created_at"`
	TTL          int     `json:"ttl"`
	RemainingTTL float64 `json:"remaining_ttl"`
	Origin       string  `json:"origin"`
	Submitter    string  `json:"submitter"`
	AgentID      string  `json:"agent_id"`
}

// PromotedSnippetRecord is one flattened, denormalized entry of a
// checkpoint's promoted_snippets list: a promoted snippet and whatever
// token and lock state apply to its slot at save time. The field layout
// is the checkpoint's wire shape, not the internal domain struct's.
type PromotedSnippetRecord struct {
	StagingID         string  `json:"staging_id"`
	Language          string  `json:"language"`
	EngineLetter      string  `json:"engine_letter"`
	Code              string  `json:"code"`
	Label             string  `json:"label"`
	Address           string  `json:"address"`
	Position          int     `json:"position"`
	EngineName        string  `json:"engine_name"`
	CodeHash          string  `json:"code_hash"`
	Origin            string  `json:"origin"`
	Submitter         string  `json:"submitter"`
	AgentID           string  `json:"agent_id"`
	Token             string  `json:"token"`
	TTL               int     `json:"ttl"`
	CreatedAt         float64 `json:"created_at"`
	PromotedAt        float64 `json:"promoted_at"`
	SpecOutput        string  `json:"spec_output"`
	SpecError         string  `json:"spec_error"`
	SpecExecutionTime float64 `json:"spec_execution_time"`
	SpecSuccess       bool    `json:"spec_success"`
	Locked            bool    `json:"locked"`
	SavedFilePath     string  `json:"saved_file_path"`
	LedgerNodeID      string  `json:"ledger_node_id"`
	RegistrySlotID    string  `json:"registry_slot_id"`
}

// Checkpoint is the on-disk schema: enough to replay every promoted
// snippet back through the pipeline, reinstate live tokens, and re-apply
// locked-slot records.
type Checkpoint struct {
	Version          int                            `json:"version"`
	SavedAt          float64                        `json:"saved_at"`
	SavedAtISO       string                         `json:"saved_at_iso"`
	LockedSlots      map[string]LockedSlotRecord     `json:"locked_slots"`
	MarshalTokens    map[string]MarshalTokenRecord   `json:"marshal_tokens"`
	PromotedSnippets []PromotedSnippetRecord         `json:"promoted_snippets"`
}

// Manager owns the debounced checkpoint writer and the cron-driven
// safety net.
type Manager struct {
	mu sync.Mutex

	pipeline *staging.Pipeline
	tokens   *token.Registry
	path     string
	debounce time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics

	pendingTimer *time.Timer
	cronSched    *cron.Cron
}

// SetMetrics attaches a collector so checkpoint writes are observed. Safe
// to call at most once, before the manager starts writing.
func (m *Manager) SetMetrics(collector *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = collector
}

// NewManager constructs a persistence manager. debounce of 0 disables
// debouncing (every RequestCheckpoint writes immediately).
func NewManager(pipeline *staging.Pipeline, tokens *token.Registry, path string, debounce time.Duration, log *logger.Logger) *Manager {
	return &Manager{pipeline: pipeline, tokens: tokens, path: path, debounce: debounce, log: log}
}

// RequestCheckpoint schedules a write after the debounce window, resetting
// any pending timer so a burst of edits collapses into one write.
func (m *Manager) RequestCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debounce <= 0 {
		m.writeLocked()
		return
	}
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
	}
	m.pendingTimer = time.AfterFunc(m.debounce, func() {
		if err := m.WriteCheckpoint(); err != nil && m.log != nil {
			m.log.LogCheckpoint("debounced-write", 0, err)
		}
	})
}

// WriteCheckpoint writes the checkpoint file now, via a temp file plus
// atomic rename so a reader never observes a partial write.
func (m *Manager) WriteCheckpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked()
}

func (m *Manager) writeLocked() error {
	started := time.Now()
	err := m.writeCheckpointFile()
	elapsed := time.Since(started)
	if m.metrics != nil {
		m.metrics.RecordCheckpoint(elapsed, err)
	}
	if m.log != nil {
		m.log.LogCheckpoint("write", elapsed, err)
	}
	return err
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (m *Manager) writeCheckpointFile() error {
	now := time.Now()

	var tokensAll []domaintoken.Record
	var locksAll []domaintoken.LockedSlot
	if m.tokens != nil {
		tokensAll = m.tokens.All()
		locksAll = m.tokens.AllLocks()
	}

	tokenByStaging := make(map[string]domaintoken.Record, len(tokensAll))
	for _, t := range tokensAll {
		if existing, ok := tokenByStaging[t.StagingID]; !ok || t.CreatedAt.After(existing.CreatedAt) {
			tokenByStaging[t.StagingID] = t
		}
	}
	lockedByAddr := make(map[string]domaintoken.LockedSlot, len(locksAll))
	for _, l := range locksAll {
		lockedByAddr[l.Address] = l
	}

	var promoted []PromotedSnippetRecord
	for _, s := range m.pipeline.GetHistory(0) {
		if s.Phase != domainstaging.PhasePromoted {
			continue
		}
		addr := s.Reservation.Address()
		rec := PromotedSnippetRecord{
			StagingID:         s.StagingID,
			Language:          string(s.Language),
			EngineLetter:      string(s.Reservation.Letter),
			Code:              s.Code,
			Label:             s.Label,
			Address:           addr,
			Position:          s.Reservation.Position,
			EngineName:        string(s.Reservation.EngineName),
			CodeHash:          s.CodeHash,
			CreatedAt:         epoch(s.CreatedAt),
			PromotedAt:        epoch(s.Artifacts.PromotedAt),
			SpecOutput:        s.Speculative.Output,
			SpecError:         s.Speculative.Error,
			SpecExecutionTime: s.Speculative.Elapsed.Seconds(),
			SpecSuccess:       s.Speculative.Success,
			SavedFilePath:     s.Artifacts.SavedFilePath,
			LedgerNodeID:      s.Artifacts.LedgerNodeID,
			RegistrySlotID:    s.Artifacts.RegistrySlotID,
		}
		if tok, ok := tokenByStaging[s.StagingID]; ok {
			rec.Origin = tok.Origin
			rec.Submitter = tok.Submitter
			rec.AgentID = tok.AgentID
			rec.Token = tok.Token
			rec.TTL = tok.TTLSeconds
		}
		if _, locked := lockedByAddr[addr]; locked {
			rec.Locked = true
		}
		promoted = append(promoted, rec)
	}

	lockedSlots := make(map[string]LockedSlotRecord, len(locksAll))
	for _, l := range locksAll {
		lockedSlots[l.Address] = LockedSlotRecord{LockedAt: epoch(l.LockedAt), LockedBy: l.LockedBy, Reason: l.Reason}
	}

	marshalTokens := make(map[string]MarshalTokenRecord, len(tokensAll))
	for _, t := range tokensAll {
		marshalTokens[t.Token] = MarshalTokenRecord{
			StagingID:    t.StagingID,
			CreatedAt:    epoch(t.CreatedAt),
			TTL:          t.TTLSeconds,
			RemainingTTL: float64(t.Remaining(now)),
			Origin:       t.Origin,
			Submitter:    t.Submitter,
			AgentID:      t.AgentID,
		}
	}

	ck := Checkpoint{
		Version:          checkpointVersion,
		SavedAt:          epoch(now),
		SavedAtISO:       now.UTC().Format(time.RFC3339),
		LockedSlots:      lockedSlots,
		MarshalTokens:    marshalTokens,
		PromotedSnippets: promoted,
	}

	data, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return fabricerrors.IOFailed("marshal-checkpoint", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fabricerrors.IOFailed("mkdir-checkpoint-dir", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fabricerrors.IOFailed("write-checkpoint-tmp", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fabricerrors.IOFailed("rename-checkpoint", err)
	}
	return nil
}

// StartSafetyNet schedules a periodic checkpoint via cron as a backstop
// against a debounce window that never quiesces.
func (m *Manager) StartSafetyNet(intervalMinutes int) {
	if intervalMinutes <= 0 {
		intervalMinutes = 5
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cronSched = cron.New()
	spec := cronEveryMinutes(intervalMinutes)
	_, _ = m.cronSched.AddFunc(spec, func() {
		if err := m.WriteCheckpoint(); err != nil && m.log != nil {
			m.log.LogCheckpoint("safety-net-write", 0, err)
		}
	})
	m.cronSched.Start()
}

// StopSafetyNet stops the cron-driven safety net, if running.
func (m *Manager) StopSafetyNet() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cronSched != nil {
		m.cronSched.Stop()
	}
}

func cronEveryMinutes(n int) string {
	if n <= 1 {
		return "* * * * *"
	}
	return "*/" + itoa(n) + " * * * *"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ReadCheckpoint parses the checkpoint file at path without replaying it.
// Returns nil with no error when the file does not exist.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fabricerrors.IOFailed("read-checkpoint", err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fabricerrors.IOFailed("unmarshal-checkpoint", err)
	}
	return &ck, nil
}

// RestoreReport summarizes what Restore replayed.
type RestoreReport struct {
	PromotedReplayed int
	PromotedFailed   int
	TokensRestored   int
	TokensReminted   int
	LocksRestored    int
}

// Restore reads the checkpoint file, if any, and replays every promoted
// snippet through the pipeline's full run, then reinstates tokens still
// within their TTL window (or mints a fresh one for a snippet that was
// locked but whose token had already expired), then re-applies locked-slot
// records, including locks whose address no longer corresponds to any
// persisted snippet. A missing checkpoint is not an error (restore starts
// fresh); a checkpoint that cannot be read or parsed is returned as an
// error. A snippet
// that fails to replay is logged (by the caller, via PromotedFailed) and
// skipped; the rest must still succeed.
func Restore(ctx context.Context, path string, pipeline *staging.Pipeline, tokens *token.Registry, onProgress ...func(done, total int)) (RestoreReport, error) {
	var report RestoreReport
	var progress func(done, total int)
	if len(onProgress) > 0 {
		progress = onProgress[0]
	}

	parsed, err := ReadCheckpoint(path)
	if err != nil {
		return report, err
	}
	if parsed == nil {
		return report, nil
	}
	ck := *parsed

	// oldStagingToNewStaging/oldStagingToOldAddr/oldAddrToNewAddr let tokens
	// and locks, keyed against the checkpoint's old staging ids and
	// addresses, be re-bound to whatever ids and addresses replay produced
	// (addresses may differ across a restart as long as cardinality and
	// content match).
	oldStagingToNewStaging := make(map[string]string)
	oldStagingToOldAddr := make(map[string]string)
	oldAddrToNewAddr := make(map[string]string)

	total := len(ck.PromotedSnippets)
	for i, snap := range ck.PromotedSnippets {
		oldStagingToOldAddr[snap.StagingID] = snap.Address
		lang, rerr := staging.ResolveEngine(snap.EngineLetter, snap.Language)
		if rerr != nil {
			lang = language.ID(snap.Language)
		}
		replayed, err := pipeline.RunFullPipeline(ctx, snap.Label, lang, snap.Code, "restore", true)
		if err != nil {
			report.PromotedFailed++
		} else {
			report.PromotedReplayed++
			oldStagingToNewStaging[snap.StagingID] = replayed.StagingID
			oldAddrToNewAddr[snap.Address] = replayed.Reservation.Address()
		}
		if progress != nil {
			progress(i+1, total)
		}
	}

	if tokens == nil {
		return report, nil
	}

	lockedOldAddrs := make(map[string]bool, len(ck.LockedSlots))
	for addr := range ck.LockedSlots {
		lockedOldAddrs[addr] = true
	}

	now := time.Now()
	for tok, snap := range ck.MarshalTokens {
		createdAt := time.Unix(0, int64(snap.CreatedAt*1e9))
		rec := domaintoken.Record{
			Token:      tok,
			StagingID:  snap.StagingID,
			CreatedAt:  createdAt,
			TTLSeconds: snap.TTL,
			Origin:     snap.Origin,
			Submitter:  snap.Submitter,
			AgentID:    snap.AgentID,
		}
		if rec.GCEligible(now) {
			continue
		}
		newStagingID, remapped := oldStagingToNewStaging[rec.StagingID]
		if remapped {
			rec.StagingID = newStagingID
		}
		snippetLocked := lockedOldAddrs[oldStagingToOldAddr[snap.StagingID]]
		if rec.Expired(now) && snippetLocked {
			if _, err := tokens.Mint(rec.StagingID, time.Duration(rec.TTLSeconds)*time.Second, rec.Origin, rec.Submitter, rec.AgentID); err == nil {
				report.TokensReminted++
			}
			continue
		}
		tokens.Restore(rec)
		report.TokensRestored++
	}

	for addr, lock := range ck.LockedSlots {
		target := addr
		if mapped, ok := oldAddrToNewAddr[addr]; ok {
			target = mapped
		}
		tokens.RestoreLock(domaintoken.LockedSlot{
			Address:  target,
			LockedAt: time.Unix(0, int64(lock.LockedAt*1e9)),
			LockedBy: lock.LockedBy,
			Reason:   lock.Reason,
		})
		report.LocksRestored++
	}

	return report, nil
}
