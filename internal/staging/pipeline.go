// Package staging implements the admission pipeline that moves a
// submitted code snippet through speculative execution, verdict, and
// promotion into the execution matrix.
package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	"github.com/r3e-network/execfabric/internal/audit"
	"github.com/r3e-network/execfabric/internal/domain/language"
	domainmatrix "github.com/r3e-network/execfabric/internal/domain/matrix"
	"github.com/r3e-network/execfabric/internal/domain/staging"
	"github.com/r3e-network/execfabric/internal/executor"
	"github.com/r3e-network/execfabric/internal/ledger"
	"github.com/r3e-network/execfabric/internal/matrix"
)

// Clock is injected for deterministic tests.
type Clock func() time.Time

// Pipeline runs staged snippets through queue, speculate, verdict, and
// promote, recording every step to the audit log.
type Pipeline struct {
	mu sync.Mutex

	clock Clock

	ledger   *ledger.Ledger
	registry *matrix.Registry
	pool     *executor.Pool
	audit    *audit.Writer

	snippetsDir  string
	historyLimit int

	snippets map[string]*staging.Snippet
	order    []string // creation order, for GetHistory

	reserved map[language.ID]map[int]string // engine -> position -> staging id
}

// New constructs a pipeline. snippetsDir is created lazily on first
// promotion; historyLimit bounds GetHistory's default window.
func New(l *ledger.Ledger, r *matrix.Registry, pool *executor.Pool, auditWriter *audit.Writer, snippetsDir string, historyLimit int) *Pipeline {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Pipeline{
		clock:        time.Now,
		ledger:       l,
		registry:     r,
		pool:         pool,
		audit:        auditWriter,
		snippetsDir:  snippetsDir,
		historyLimit: historyLimit,
		snippets:     make(map[string]*staging.Snippet),
		reserved:     make(map[language.ID]map[int]string),
	}
}

// SetClock overrides the time source; used by tests.
func (p *Pipeline) SetClock(c Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = c
}

func (p *Pipeline) now() time.Time {
	if p.clock != nil {
		return p.clock()
	}
	return time.Now()
}

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// newStagingID mints a compact staging identifier of the form stg-<12 hex>.
func newStagingID() string {
	raw := uuid.New()
	return "stg-" + hex.EncodeToString(raw[:])[:12]
}

// ResolveEngine resolves the target engine row from an explicit row letter
// first, falling back to a free-form language name when no letter is given.
func ResolveEngine(engineLetter, languageName string) (language.ID, error) {
	if engineLetter != "" {
		d, ok := language.ByLetter(engineLetter[0])
		if !ok {
			return "", fabricerrors.InputInvalid("engine", "unknown engine letter "+engineLetter)
		}
		return d.ID, nil
	}
	id, ok := language.Parse(languageName)
	if !ok {
		return "", fabricerrors.InputInvalid("language", "unknown language "+languageName)
	}
	return id, nil
}

func (p *Pipeline) logEvent(kind staging.AuditEventKind, stagingID string, data map[string]any) {
	if p.audit == nil {
		return
	}
	_ = p.audit.Write(kind, stagingID, data)
}

// findFreeAddress returns the first unbound, unreserved position in a
// language's engine row, or an error if the row is full or unknown.
func (p *Pipeline) findFreeAddress(lang language.ID) (domainmatrix.Address, error) {
	row := p.registry.GetEngineRow(lang)
	if row == nil {
		return domainmatrix.Address{}, fabricerrors.InputInvalid("language", "unknown engine "+string(lang))
	}
	taken := p.reserved[lang]
	for _, slot := range row.Slots {
		if slot.Bound() {
			continue
		}
		if taken != nil {
			if _, ok := taken[slot.Position]; ok {
				continue
			}
		}
		return slot.Address, nil
	}
	return domainmatrix.Address{}, fabricerrors.CapacityExhausted(string(lang))
}

func (p *Pipeline) reserve(lang language.ID, position int, stagingID string) {
	if p.reserved[lang] == nil {
		p.reserved[lang] = make(map[int]string)
	}
	p.reserved[lang][position] = stagingID
}

func (p *Pipeline) release(lang language.ID, position int) {
	if m := p.reserved[lang]; m != nil {
		delete(m, position)
	}
}

func clone(s *staging.Snippet) *staging.Snippet {
	c := *s
	return &c
}

// QueueSnippet admits a new snippet, reserving an engine position for it
// up front so concurrent submissions to the same engine never collide.
func (p *Pipeline) QueueSnippet(label string, lang language.ID, code, submitter string) (*staging.Snippet, error) {
	if _, ok := language.ByID(lang); !ok {
		return nil, fabricerrors.InputInvalid("language", "unknown language "+string(lang))
	}
	if code == "" {
		return nil, fabricerrors.InputInvalid("code", "must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	addr, err := p.findFreeAddress(lang)
	if err != nil {
		return nil, err
	}

	now := p.now()
	id := newStagingID()
	snippet := &staging.Snippet{
		StagingID: id,
		CodeHash:  codeHash(code),
		Label:     label,
		Language:  lang,
		Code:      code,
		Phase:     staging.PhaseQueued,
		Reservation: staging.Reservation{
			EngineName: lang,
			Letter:     addr.Letter,
			Position:   addr.Position,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.reserve(lang, addr.Position, id)
	p.snippets[id] = snippet
	p.order = append(p.order, id)

	p.logEvent(staging.EventSnippetQueued, id, map[string]any{"label": label, "language": string(lang), "submitter": submitter, "code_hash": snippet.CodeHash})
	p.logEvent(staging.EventSlotReserved, id, map[string]any{"address": addr.String()})

	return clone(snippet), nil
}

// Speculate runs the snippet in an isolated, fresh executor instance and
// records the outcome. A script-level failure is not a pipeline error:
// it lands the snippet in PhaseFailed with SpeculativeResult populated,
// ready for a Verdict call. A failed snippet may be speculated again.
func (p *Pipeline) Speculate(ctx context.Context, stagingID string) (*staging.Snippet, error) {
	p.mu.Lock()
	snippet, ok := p.snippets[stagingID]
	if !ok {
		p.mu.Unlock()
		return nil, fabricerrors.NotFound("staging-snippet", stagingID)
	}
	if snippet.Phase != staging.PhaseQueued && snippet.Phase != staging.PhaseFailed {
		p.mu.Unlock()
		return nil, fabricerrors.InvalidPhase(stagingID, string(snippet.Phase), "queued|failed")
	}
	snippet.Phase = staging.PhaseSpeculating
	snippet.UpdatedAt = p.now()
	code, lang := snippet.Code, snippet.Language
	p.mu.Unlock()

	p.logEvent(staging.EventSpecExecStarted, stagingID, map[string]any{"language": string(lang)})

	result, err := p.pool.ExecuteFresh(ctx, lang, code)
	if err != nil {
		p.mu.Lock()
		snippet.Phase = staging.PhaseFailed
		snippet.Speculative = staging.SpeculativeResult{Success: false, Error: err.Error()}
		snippet.UpdatedAt = p.now()
		out := clone(snippet)
		p.mu.Unlock()
		p.logEvent(staging.EventSpecExecFailed, stagingID, map[string]any{"error": err.Error()})
		return out, nil
	}

	p.mu.Lock()
	snippet.Speculative = staging.SpeculativeResult{
		Output: result.Output, Error: result.Error, Elapsed: result.Elapsed,
		Success: result.Success, Variables: result.Variables,
	}
	if result.Success {
		snippet.Phase = staging.PhasePassed
	} else {
		snippet.Phase = staging.PhaseFailed
	}
	snippet.UpdatedAt = p.now()
	out := clone(snippet)
	p.mu.Unlock()

	if result.Success {
		p.logEvent(staging.EventSpecExecCompleted, stagingID, map[string]any{"output": result.Output, "elapsed": result.Elapsed.String()})
	} else {
		p.logEvent(staging.EventSpecExecFailed, stagingID, map[string]any{"error": result.Error})
	}
	return out, nil
}

// Verdict applies a decision to a staged snippet. "auto" confirms the
// speculative outcome (passed stays passed, failed is rejected);
// "approve"/"reject" override the speculative outcome explicitly; "hold"
// logs the review without changing phase and is accepted from any phase.
func (p *Pipeline) Verdict(stagingID string, action staging.VerdictAction, reason string) (*staging.Snippet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snippet, ok := p.snippets[stagingID]
	if !ok {
		return nil, fabricerrors.NotFound("staging-snippet", stagingID)
	}

	switch action {
	case staging.VerdictHold:
		p.logEvent(staging.EventVerdictManualHold, stagingID, map[string]any{"reason": reason})
		return clone(snippet), nil
	case staging.VerdictApprove:
		if snippet.Phase != staging.PhasePassed && snippet.Phase != staging.PhaseFailed {
			return nil, fabricerrors.InvalidPhase(stagingID, string(snippet.Phase), "passed|failed")
		}
		snippet.Phase = staging.PhasePassed
		snippet.UpdatedAt = p.now()
		p.logEvent(staging.EventVerdictPass, stagingID, map[string]any{"action": string(action), "reason": reason})
	case staging.VerdictReject:
		if snippet.Phase != staging.PhaseQueued && snippet.Phase != staging.PhasePassed && snippet.Phase != staging.PhaseFailed {
			return nil, fabricerrors.InvalidPhase(stagingID, string(snippet.Phase), "queued|passed|failed")
		}
		if reason == "" {
			reason = "verdict-reject"
		}
		p.rejectLocked(snippet, action, reason)
	case staging.VerdictAuto:
		if snippet.Phase != staging.PhasePassed && snippet.Phase != staging.PhaseFailed {
			return nil, fabricerrors.InvalidPhase(stagingID, string(snippet.Phase), "passed|failed")
		}
		if snippet.Phase == staging.PhasePassed {
			p.logEvent(staging.EventVerdictPass, stagingID, map[string]any{"action": string(action)})
		} else {
			p.rejectLocked(snippet, action, "speculation-failed")
		}
	default:
		return nil, fabricerrors.InputInvalid("action", "unknown verdict action "+string(action))
	}
	return clone(snippet), nil
}

// rejectLocked moves a snippet to the rejected phase, releases its
// reservation, and trims the archive. Callers must hold p.mu.
func (p *Pipeline) rejectLocked(snippet *staging.Snippet, action staging.VerdictAction, reason string) {
	snippet.Phase = staging.PhaseRejected
	snippet.Rejection = staging.RejectionInfo{Reason: reason, At: p.now()}
	snippet.UpdatedAt = p.now()
	p.release(snippet.Reservation.EngineName, snippet.Reservation.Position)
	p.logEvent(staging.EventVerdictFail, snippet.StagingID, map[string]any{"action": string(action)})
	p.logEvent(staging.EventRejection, snippet.StagingID, map[string]any{"reason": reason})
	p.logEvent(staging.EventSlotReleased, snippet.StagingID, map[string]any{"address": snippet.Reservation.Address()})
	p.trimHistoryLocked()
}

// trimHistoryLocked drops the oldest terminal-phase snippets once the
// archive exceeds the configured cap. Snippets still holding a reservation
// and promoted snippets (which back the checkpoint file) are never
// trimmed. Callers must hold p.mu.
func (p *Pipeline) trimHistoryLocked() {
	excess := len(p.order) - p.historyLimit
	if excess <= 0 {
		return
	}
	kept := p.order[:0]
	for _, id := range p.order {
		s := p.snippets[id]
		if excess > 0 && s.Phase.Terminal() {
			delete(p.snippets, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	p.order = kept
}

// commentHeader renders the provenance block stamped at the top of
// every promoted snippet file: staging id, language, engine, slot
// address, label, code hash, created/promoted times, and the speculative
// elapsed time and pass/fail verdict, followed by a blank line before the
// code itself.
func commentHeader(style language.CommentStyle, addr string, working staging.Snippet, promotedAt time.Time) string {
	specResult := "FAIL"
	if working.Speculative.Success {
		specResult = "PASS"
	}
	lines := []string{
		"staged snippet promoted to production",
		fmt.Sprintf("staging_id:  %s", working.StagingID),
		fmt.Sprintf("language:    %s", working.Language),
		fmt.Sprintf("engine:      %s (%c)", working.Reservation.EngineName, working.Reservation.Letter),
		fmt.Sprintf("slot:        %s (position %d)", addr, working.Reservation.Position),
		fmt.Sprintf("label:       %s", working.Label),
		fmt.Sprintf("code_hash:   %s", working.CodeHash),
		fmt.Sprintf("created:     %s", working.CreatedAt.UTC().Format(time.RFC3339)),
		fmt.Sprintf("promoted:    %s", promotedAt.UTC().Format(time.RFC3339)),
		fmt.Sprintf("spec_time:   %.4fs", working.Speculative.Elapsed.Seconds()),
		fmt.Sprintf("spec_result: %s", specResult),
	}
	return wrapComment(style, lines)
}

// wrapComment formats lines as one comment block in the style the target
// language expects: a PHP-style block comment, inside its own <?php ... ?>
// tags, wraps the whole thing once; every other style prefixes each line
// individually.
func wrapComment(style language.CommentStyle, lines []string) string {
	if style == language.CommentPHPBlock {
		var b strings.Builder
		b.WriteString("<?php /*\n")
		for _, l := range lines {
			b.WriteString(" * " + l + "\n")
		}
		b.WriteString(" */ ?>\n")
		return b.String()
	}

	prefix := "// "
	switch style {
	case language.CommentHash:
		prefix = "# "
	case language.CommentDoubleDash:
		prefix = "-- "
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(prefix + l + "\n")
	}
	return b.String()
}

// Promote moves a passed snippet through the six audited promotion steps:
// write the snippet file, create its ledger node, record its first
// execution, commit it into the reserved registry slot, record that
// execution against the slot, then release the reservation.
func (p *Pipeline) Promote(stagingID string) (*staging.Snippet, error) {
	p.mu.Lock()
	snippet, ok := p.snippets[stagingID]
	if !ok {
		p.mu.Unlock()
		return nil, fabricerrors.NotFound("staging-snippet", stagingID)
	}
	if snippet.Phase != staging.PhasePassed {
		p.mu.Unlock()
		return nil, fabricerrors.InvalidPhase(stagingID, string(snippet.Phase), string(staging.PhasePassed))
	}
	snippet.Phase = staging.PhasePromoting
	snippet.UpdatedAt = p.now()
	working := *snippet
	p.mu.Unlock()

	p.logEvent(staging.EventPromotionStarted, stagingID, nil)

	desc, _ := language.ByID(working.Language)
	addr := working.Reservation.Address()
	promotedAt := p.now()
	ts := promotedAt.UTC().Format("20060102T150405")
	langDir := filepath.Join(p.snippetsDir, string(working.Language))
	filename := fmt.Sprintf("%s_%s_%s.%s", addr, stagingID, ts, desc.FileExtension)
	filePath := filepath.Join(langDir, filename)
	if err := os.MkdirAll(langDir, 0o755); err != nil {
		return p.failPromotion(stagingID, err)
	}
	content := commentHeader(desc.CommentStyle, addr, working, promotedAt) + "\n" + working.Code
	if err := os.WriteFile(filePath, []byte(content), 0o644); err != nil {
		return p.failPromotion(stagingID, err)
	}
	p.logEvent(staging.EventFileWritten, stagingID, map[string]any{"path": filePath})

	session := p.ledger.BeginImport(filePath, string(working.Language), working.Code, "preserve")
	nodeID := "snippet-" + stagingID
	p.ledger.RecordNodeImported(nodeID, "snippet", working.Label, working.Label, working.Code, working.Language, filePath, session, map[string]any{"staging_id": stagingID})
	p.logEvent(staging.EventLedgerNodeCreated, stagingID, map[string]any{"node_id": nodeID})

	if _, err := p.ledger.RecordNodeExecuted(nodeID, working.Speculative.Success, working.Speculative.Output, working.Speculative.Error, working.Speculative.Elapsed, working.Speculative.Variables, 1); err != nil {
		return p.failPromotion(stagingID, err)
	}

	perms := domainmatrix.PromotionPermissions()
	slot, err := p.registry.CommitNode(nodeID, working.Reservation.EngineName, working.Reservation.Position, &perms)
	if err != nil {
		return p.failPromotion(stagingID, err)
	}
	p.logEvent(staging.EventRegistrySlotCommit, stagingID, map[string]any{"slot_id": slot.ID, "address": slot.Address.String()})

	p.registry.RecordExecution(slot.ID, working.Speculative.Success, working.Speculative.Output, working.Speculative.Error, working.Speculative.Elapsed)

	p.mu.Lock()
	p.release(working.Reservation.EngineName, working.Reservation.Position)
	snippet.Phase = staging.PhasePromoted
	snippet.Artifacts = staging.PromotionArtifacts{
		SavedFilePath:  filePath,
		LedgerNodeID:   nodeID,
		RegistrySlotID: slot.ID,
		PromotedAt:     p.now(),
	}
	snippet.UpdatedAt = p.now()
	out := clone(snippet)
	p.mu.Unlock()

	p.logEvent(staging.EventSlotReleased, stagingID, map[string]any{"address": working.Reservation.Address()})
	p.logEvent(staging.EventPromotionCompleted, stagingID, map[string]any{"node_id": nodeID, "slot_id": slot.ID})

	return out, nil
}

func (p *Pipeline) failPromotion(stagingID string, cause error) (*staging.Snippet, error) {
	p.mu.Lock()
	snippet := p.snippets[stagingID]
	snippet.Phase = staging.PhaseFailed
	snippet.UpdatedAt = p.now()
	p.mu.Unlock()
	p.logEvent(staging.EventError, stagingID, map[string]any{"error": cause.Error(), "step": "promote"})
	return nil, fabricerrors.IOFailed("promote", cause)
}

// Rollback undoes a promoted snippet: the ledger node is marked deleted
// (its history remains queryable), the registry slot is force-cleared,
// and the snippet transitions to PhaseRolledBack, a terminal phase.
func (p *Pipeline) Rollback(stagingID string) (*staging.Snippet, error) {
	p.mu.Lock()
	snippet, ok := p.snippets[stagingID]
	if !ok {
		p.mu.Unlock()
		return nil, fabricerrors.NotFound("staging-snippet", stagingID)
	}
	if snippet.Phase != staging.PhasePromoted {
		p.mu.Unlock()
		return nil, fabricerrors.InvalidPhase(stagingID, string(snippet.Phase), string(staging.PhasePromoted))
	}
	artifacts := snippet.Artifacts
	p.mu.Unlock()

	_ = p.ledger.RecordNodeDeleted(artifacts.LedgerNodeID)
	p.registry.ForceClearSlot(artifacts.RegistrySlotID)

	p.mu.Lock()
	snippet.Phase = staging.PhaseRolledBack
	snippet.UpdatedAt = p.now()
	out := clone(snippet)
	p.trimHistoryLocked()
	p.mu.Unlock()

	p.logEvent(staging.EventRollback, stagingID, map[string]any{"node_id": artifacts.LedgerNodeID, "slot_id": artifacts.RegistrySlotID})
	return out, nil
}

// RunFullPipeline drives a snippet through queue, speculate, auto-verdict,
// and, when autoPromote is set, promote, in one call, stopping at the
// first phase that cannot advance (e.g. speculation failure yields the
// rejected snippet, not an error).
func (p *Pipeline) RunFullPipeline(ctx context.Context, label string, lang language.ID, code, submitter string, autoPromote bool) (*staging.Snippet, error) {
	snippet, err := p.QueueSnippet(label, lang, code, submitter)
	if err != nil {
		return nil, err
	}
	snippet, err = p.Speculate(ctx, snippet.StagingID)
	if err != nil {
		return nil, err
	}
	snippet, err = p.Verdict(snippet.StagingID, staging.VerdictAuto, "")
	if err != nil {
		return nil, err
	}
	if snippet.Phase != staging.PhasePassed || !autoPromote {
		return snippet, nil
	}
	return p.Promote(snippet.StagingID)
}

// GetSnippet returns one snippet's current state, or nil if unknown.
func (p *Pipeline) GetSnippet(stagingID string) *staging.Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.snippets[stagingID]
	if !ok {
		return nil
	}
	return clone(s)
}

// GetActive returns every snippet still holding its reservation: queued,
// speculating, passed, failed or promoting. Promoted, rejected and
// rolled-back snippets are not included.
func (p *Pipeline) GetActive() []*staging.Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*staging.Snippet
	for _, id := range p.order {
		s := p.snippets[id]
		if s.Phase.Reserving() {
			out = append(out, clone(s))
		}
	}
	return out
}

// GetHistory returns the most recent snippets in creation order, bounded
// by limit (0 uses the pipeline's configured default).
func (p *Pipeline) GetHistory(limit int) []*staging.Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 {
		limit = p.historyLimit
	}
	start := 0
	if len(p.order) > limit {
		start = len(p.order) - limit
	}
	out := make([]*staging.Snippet, 0, len(p.order)-start)
	for _, id := range p.order[start:] {
		out = append(out, clone(p.snippets[id]))
	}
	return out
}

// GetAuditTrail replays the audit log for one staging id (or every
// staging id, if empty), newest-first, bounded by limit (0 returns every
// matching event).
func (p *Pipeline) GetAuditTrail(stagingID string, limit int) ([]staging.AuditEvent, error) {
	p.mu.Lock()
	writer := p.audit
	p.mu.Unlock()
	if writer == nil {
		return nil, nil
	}
	return audit.ReadTrail(writer.Path(), stagingID, limit)
}

// Summary is the structured view returned by GetPipelineSummary.
type Summary struct {
	Total       int
	ByPhase     map[staging.Phase]int
	Reservations int
}

// GetPipelineSummary aggregates snippet counts by phase and the number of
// live reservations.
func (p *Pipeline) GetPipelineSummary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Summary{Total: len(p.snippets), ByPhase: make(map[staging.Phase]int)}
	for _, s := range p.snippets {
		out.ByPhase[s.Phase]++
	}
	for _, m := range p.reserved {
		out.Reservations += len(m)
	}
	return out
}
