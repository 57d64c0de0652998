// Package app is the composition root: it wires the session ledger,
// execution matrix, staging pipeline, marshal token registry,
// persistence layer, and optional mesh relay into one lifecycle-managed
// unit, and exposes their operations as plain Go methods.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	"github.com/r3e-network/execfabric/internal/app/system"
	"github.com/r3e-network/execfabric/internal/audit"
	"github.com/r3e-network/execfabric/internal/domain/language"
	domainmatrix "github.com/r3e-network/execfabric/internal/domain/matrix"
	domainstaging "github.com/r3e-network/execfabric/internal/domain/staging"
	domaintoken "github.com/r3e-network/execfabric/internal/domain/token"
	"github.com/r3e-network/execfabric/internal/executor"
	"github.com/r3e-network/execfabric/internal/ledger"
	"github.com/r3e-network/execfabric/internal/matrix"
	"github.com/r3e-network/execfabric/internal/mesh"
	"github.com/r3e-network/execfabric/internal/metrics"
	"github.com/r3e-network/execfabric/internal/persistence"
	"github.com/r3e-network/execfabric/internal/staging"
	"github.com/r3e-network/execfabric/internal/token"
	"github.com/r3e-network/execfabric/pkg/config"
	"github.com/r3e-network/execfabric/pkg/logger"
)

// Coordinator ties every subsystem together and manages their lifecycle.
type Coordinator struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     *config.Config

	Ledger      *ledger.Ledger
	Matrix      *matrix.Registry
	Executors   *executor.Pool
	Pipeline    *staging.Pipeline
	Tokens      *token.Registry
	Persistence *persistence.Manager
	Metrics     *metrics.Metrics
	Mesh        *mesh.Relay // nil unless cfg.Mesh.Enabled
}

// New builds a fully wired coordinator from cfg. It does not start any
// background loop or replay a checkpoint; call Start for that.
func New(cfg *config.Config, log *logger.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.NewDefault("execfabric")
	}

	l := ledger.New(cfg.Ledger.MaxHistoryPerNode)
	reg := matrix.New(l, cfg.Matrix.BufferCapacity)
	pool := executor.NewPool()

	auditPath := cfg.Staging.AuditLogPath
	if auditPath == "" {
		auditPath = filepath.Join("data", "audit.jsonl")
	}
	auditWriter, err := audit.Open(auditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	pipeline := staging.New(l, reg, pool, auditWriter, cfg.Staging.SnippetsDir, cfg.Staging.HistoryLimit)

	signingKey := cfg.Token.SigningKey
	if signingKey == "" {
		signingKey = "execfabric-dev-signing-key"
		log.Warn("token signing key not configured; using an insecure development default")
	}
	tokens := token.New(signingKey)

	collectors := metrics.New(nil)
	tokens.SetPurgeHook(func(n int) { collectors.TokensExpiredTotal.Add(float64(n)) })

	checkpointPath := cfg.Persistence.CheckpointPath
	if checkpointPath == "" {
		checkpointPath = filepath.Join("data", "checkpoint.json")
	}
	debounce := time.Duration(cfg.Persistence.DebounceMillis) * time.Millisecond
	persist := persistence.NewManager(pipeline, tokens, checkpointPath, debounce, log)
	persist.SetMetrics(collectors)

	c := &Coordinator{
		manager:     system.NewManager(),
		log:         log,
		cfg:         cfg,
		Ledger:      l,
		Matrix:      reg,
		Executors:   pool,
		Pipeline:    pipeline,
		Tokens:      tokens,
		Persistence: persist,
		Metrics:     collectors,
	}

	if cfg.Mesh.Enabled {
		heartbeat := time.Duration(cfg.Mesh.HeartbeatPeriod) * time.Second
		httpTimeout := time.Duration(cfg.Mesh.HTTPTimeout) * time.Second
		c.Mesh = mesh.New("self", reg, heartbeat, httpTimeout, log)
	}

	if err := c.manager.Register(persistenceSafetyNetService{persist: persist, intervalMinutes: cfg.Persistence.SafetyNetInterval}); err != nil {
		return nil, err
	}
	if c.Mesh != nil {
		if err := c.manager.Register(meshDaemonService{relay: c.Mesh}); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (c *Coordinator) Attach(svc system.Service) error {
	return c.manager.Register(svc)
}

// Start replays the last checkpoint (if any), then starts every
// registered background service.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.StartWithProgress(ctx, nil)
}

// StartWithProgress is Start with an optional callback invoked once per
// replayed snippet (done, total), so a CLI can render restore progress.
func (c *Coordinator) StartWithProgress(ctx context.Context, onProgress func(done, total int)) error {
	var report persistence.RestoreReport
	var err error
	if onProgress != nil {
		report, err = persistence.Restore(ctx, c.cfg.Persistence.CheckpointPath, c.Pipeline, c.Tokens, onProgress)
	} else {
		report, err = persistence.Restore(ctx, c.cfg.Persistence.CheckpointPath, c.Pipeline, c.Tokens)
	}
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	c.log.WithField("promoted_replayed", report.PromotedReplayed).
		WithField("promoted_failed", report.PromotedFailed).
		WithField("tokens_restored", report.TokensRestored).
		WithField("tokens_reminted", report.TokensReminted).
		WithField("locks_restored", report.LocksRestored).
		Info("checkpoint restore complete")

	return c.manager.Start(ctx)
}

// Stop forces a final checkpoint write, then stops every registered
// background service.
func (c *Coordinator) Stop(ctx context.Context) error {
	if err := c.Persistence.WriteCheckpoint(); err != nil {
		c.log.LogCheckpoint("final-write", 0, err)
	}
	return c.manager.Stop(ctx)
}

// --- Wire-surface operations ---

// MintToken mints a marshal token bound to a staging id.
func (c *Coordinator) MintToken(stagingID string, ttl time.Duration, origin, submitter, agentID string) (string, error) {
	tok, err := c.Tokens.Mint(stagingID, ttl, origin, submitter, agentID)
	if err == nil {
		c.Metrics.TokensMintedTotal.Inc()
	}
	return tok, err
}

// ResolveToken resolves an opaque marshal token to its staging binding.
// An expired-but-not-yet-purged token returns its resolution alongside a
// gone error, telling the caller to resubmit rather than retry the lookup.
func (c *Coordinator) ResolveToken(tok string) (*domaintoken.Resolution, error) {
	res := c.Tokens.Resolve(tok)
	if res == nil {
		return nil, fabricerrors.NotFound("token", tok)
	}
	if res.Expired {
		return res, fabricerrors.Gone(tok)
	}
	return res, nil
}

// LockSlot pins a slot address against eviction.
func (c *Coordinator) LockSlot(address, lockedBy, reason string) domaintoken.LockedSlot {
	return c.Tokens.LockSlot(address, lockedBy, reason)
}

// UnlockSlot releases a previously locked slot address.
func (c *Coordinator) UnlockSlot(address string) bool {
	return c.Tokens.UnlockSlot(address)
}

// EvictSlot reports whether address is currently evictable (i.e. unlocked).
func (c *Coordinator) EvictSlot(address string) bool {
	return c.Tokens.Evict(address)
}

// MatrixSummary reports matrix-wide occupancy and refreshes the
// per-engine occupancy gauges.
func (c *Coordinator) MatrixSummary() matrix.Summary {
	summary := c.Matrix.GetMatrixSummary()
	for engine, row := range summary.Rows {
		c.Metrics.MatrixCommittedSlots.WithLabelValues(string(engine)).Set(float64(row.Committed))
	}
	return summary
}

// RefreshMatrix re-checks every bound slot against the ledger and reports
// how many are dirty.
func (c *Coordinator) RefreshMatrix() int {
	dirty := c.Matrix.RefreshAllFromLedger()
	c.Metrics.MatrixDirtySlots.Set(float64(dirty))
	return dirty
}

// QueueSnippet admits a snippet into the staging pipeline. The target
// engine resolves from the explicit row letter first, then from the
// language name.
func (c *Coordinator) QueueSnippet(label, engineLetter, languageName, code, submitter string) (*domainstaging.Snippet, error) {
	lang, err := staging.ResolveEngine(engineLetter, languageName)
	if err != nil {
		return nil, err
	}
	snippet, err := c.Pipeline.QueueSnippet(label, lang, code, submitter)
	if err == nil {
		c.Metrics.SnippetsQueuedTotal.WithLabelValues(string(lang)).Inc()
	}
	return snippet, err
}

// RunPipeline drives one submission through queue, speculate,
// auto-verdict, and, when autoPromote is set, promote.
func (c *Coordinator) RunPipeline(ctx context.Context, label, engineLetter, languageName, code, submitter string, autoPromote bool) (*domainstaging.Snippet, error) {
	lang, err := staging.ResolveEngine(engineLetter, languageName)
	if err != nil {
		return nil, err
	}
	snippet, err := c.Pipeline.RunFullPipeline(ctx, label, lang, code, submitter, autoPromote)
	if err == nil {
		c.Metrics.SnippetsQueuedTotal.WithLabelValues(string(lang)).Inc()
		if snippet.Phase == domainstaging.PhasePromoted {
			c.Metrics.PromotionsTotal.Inc()
			c.Persistence.RequestCheckpoint()
		}
	}
	return snippet, err
}

// Speculate runs a staged snippet's fresh-instance trial execution.
func (c *Coordinator) Speculate(ctx context.Context, stagingID string) (*domainstaging.Snippet, error) {
	snippet, err := c.Pipeline.Speculate(ctx, stagingID)
	if err == nil && snippet != nil {
		c.Metrics.RecordSpeculation(string(snippet.Language), snippet.Speculative.Success, snippet.Speculative.Elapsed)
	}
	return snippet, err
}

// Verdict records a human or automated accept/reject decision on a
// speculated snippet.
func (c *Coordinator) Verdict(stagingID string, action domainstaging.VerdictAction, reason string) (*domainstaging.Snippet, error) {
	fromPhase := ""
	if prior := c.Pipeline.GetSnippet(stagingID); prior != nil {
		fromPhase = string(prior.Phase)
	}
	snippet, err := c.Pipeline.Verdict(stagingID, action, reason)
	if err == nil {
		if action == domainstaging.VerdictReject {
			c.Metrics.RejectionsTotal.Inc()
		}
		c.log.LogStagingTransition(stagingID, string(snippet.Language), fromPhase, string(snippet.Phase))
	}
	return snippet, err
}

// Promote commits a passed snippet into the execution matrix.
func (c *Coordinator) Promote(stagingID string) (*domainstaging.Snippet, error) {
	snippet, err := c.Pipeline.Promote(stagingID)
	if err == nil {
		c.Metrics.PromotionsTotal.Inc()
		c.Persistence.RequestCheckpoint()
		c.log.LogPromotion(stagingID, snippet.Reservation.Address(), snippet.Artifacts.LedgerNodeID, nil)
	} else {
		c.log.LogPromotion(stagingID, "", "", err)
	}
	return snippet, err
}

// Rollback withdraws a promoted snippet: its ledger node is deleted, its
// slot is force-cleared, and the snippet moves to the rolled-back phase.
func (c *Coordinator) Rollback(stagingID string) (*domainstaging.Snippet, error) {
	snippet, err := c.Pipeline.Rollback(stagingID)
	if err == nil {
		c.Metrics.RollbacksTotal.Inc()
		c.Persistence.RequestCheckpoint()
	}
	return snippet, err
}

// runSlot executes one bound slot's code via the shared executor and
// records the outcome on both the ledger and the matrix. A dirty slot
// picks up the ledger's latest source here; this is the hot-swap point.
func (c *Coordinator) runSlot(ctx context.Context, slot *domainmatrix.Slot) (bool, error) {
	source := slot.CachedSource
	version := slot.CommittedVersion
	if snap := c.Ledger.GetNodeSnapshot(slot.NodeID); snap != nil && snap.Version > slot.CommittedVersion {
		source = snap.Source
		version = snap.Version
	}
	result, err := c.Executors.ExecuteShared(ctx, slot.EngineName, source)
	if err != nil {
		return false, err
	}
	c.Ledger.RecordNodeExecuted(slot.NodeID, result.Success, result.Output, result.Error, result.Elapsed, result.Variables, version)
	c.Matrix.RecordExecution(slot.ID, result.Success, result.Output, result.Error, result.Elapsed)
	c.Metrics.RecordExecution(string(slot.EngineName), result.Success)
	return result.Success, nil
}

// RunNode executes one committed node's slot.
func (c *Coordinator) RunNode(ctx context.Context, nodeID string) error {
	slot := c.Matrix.GetSlotByNode(nodeID)
	if slot == nil {
		return fabricerrors.NotFound("node", nodeID)
	}
	_, err := c.runSlot(ctx, slot)
	return err
}

// ExecuteSlot triggers an out-of-band execution of one slot's code.
// Requires the slot's POST permission.
func (c *Coordinator) ExecuteSlot(ctx context.Context, slotID string) error {
	slot := c.Matrix.GetSlot(slotID)
	if slot == nil {
		return fabricerrors.NotFound("slot", slotID)
	}
	if !slot.Bound() {
		return fabricerrors.NotFound("node", "")
	}
	if !slot.Permissions.POST {
		return fabricerrors.PermissionDenied(slotID, string(domainmatrix.PermPOST))
	}
	_, err := c.runSlot(ctx, slot)
	return err
}

// RunAll executes every committed node across the matrix, in row-major
// slot order, and records the outcome as a single ledger batch entry.
func (c *Coordinator) RunAll(ctx context.Context) error {
	started := time.Now()
	var nodeIDs []string
	var anyFailed bool
	for _, d := range language.All() {
		row := c.Matrix.GetEngineRow(d.ID)
		if row == nil {
			continue
		}
		for _, slot := range row.Slots {
			if !slot.Bound() {
				continue
			}
			success, err := c.runSlot(ctx, slot)
			nodeIDs = append(nodeIDs, slot.NodeID)
			if err != nil || !success {
				anyFailed = true
			}
		}
	}
	c.Ledger.RecordExecutionBatch(nodeIDs, !anyFailed, time.Since(started))
	return nil
}

// ForceCheckpoint writes a checkpoint file immediately, bypassing the
// debounce window.
func (c *Coordinator) ForceCheckpoint() error {
	return c.Persistence.WriteCheckpoint()
}

// InspectCheckpoint parses the current checkpoint file without replaying
// it. Returns nil when no checkpoint has been written yet.
func (c *Coordinator) InspectCheckpoint() (*persistence.Checkpoint, error) {
	return persistence.ReadCheckpoint(c.cfg.Persistence.CheckpointPath)
}

// InspectAuditTrail returns the audit events recorded for a staging id
// (or every staging id, if empty), newest-first, bounded by limit (0
// returns every matching event).
func (c *Coordinator) InspectAuditTrail(stagingID string, limit int) ([]domainstaging.AuditEvent, error) {
	return c.Pipeline.GetAuditTrail(stagingID, limit)
}
