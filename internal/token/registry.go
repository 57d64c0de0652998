// Package token implements the marshal token registry: opaque,
// TTL-governed external handles bound to a staging identifier. External
// callers must never receive slot addresses except via the token
// resolution path.
package token

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	domaintoken "github.com/r3e-network/execfabric/internal/domain/token"
)

// Clock is injected for deterministic tests.
type Clock func() time.Time

// claims is the JWT payload minted into every token. Signing the token
// gives it a tamper-evident envelope while keeping it opaque to callers:
// they are never expected to decode it themselves, only to pass it back
// to Resolve.
type claims struct {
	jwt.RegisteredClaims
	StagingID string `json:"sid"`
	TTL       int    `json:"ttl"`
	Origin    string `json:"origin"`
	Submitter string `json:"sub_label"`
	AgentID   string `json:"agent_id"`
}

// Registry mints and resolves marshal tokens, and tracks locked-slot
// records that exempt a promoted snippet's slot from TTL-driven eviction.
type Registry struct {
	mu         sync.Mutex
	clock      Clock
	signingKey []byte
	records    map[string]domaintoken.Record
	locks      map[string]domaintoken.LockedSlot // slot address -> lock
	onPurge    func(n int)
}

// New constructs a token registry. signingKey may be empty, in which case
// a random key is generated for the process lifetime.
func New(signingKey string) *Registry {
	key := []byte(signingKey)
	if len(key) == 0 {
		key = randomKey()
	}
	return &Registry{
		clock:      time.Now,
		signingKey: key,
		records:    make(map[string]domaintoken.Record),
		locks:      make(map[string]domaintoken.LockedSlot),
	}
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

func randomKey() []byte {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return buf
}

// Mint creates a new opaque token bound to stagingID and purges
// GC-eligible entries as a side effect.
func (r *Registry) Mint(stagingID string, ttl time.Duration, origin, submitter, agentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeExpiredLocked()

	now := r.now()
	ttlSeconds := int(ttl.Seconds())
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
		StagingID: stagingID,
		TTL:       ttlSeconds,
		Origin:    origin,
		Submitter: submitter,
		AgentID:   agentID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(r.signingKey)
	if err != nil {
		return "", fabricerrors.IOFailed("mint-token", err)
	}

	r.records[signed] = domaintoken.Record{
		Token:      signed,
		StagingID:  stagingID,
		CreatedAt:  now,
		TTLSeconds: ttlSeconds,
		Origin:     origin,
		Submitter:  submitter,
		AgentID:    agentID,
	}
	return signed, nil
}

// Resolve returns the token's resolution, or nil if the token is unknown.
// An expired-but-not-yet-GC'd token resolves with Expired=true and
// Remaining=0.
func (r *Registry) Resolve(token string) *domaintoken.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[token]
	if !ok {
		return nil
	}
	now := r.now()
	return &domaintoken.Resolution{
		StagingID: rec.StagingID,
		Elapsed:   now.Sub(rec.CreatedAt),
		Remaining: rec.Remaining(now),
		Expired:   rec.Expired(now),
		Origin:    rec.Origin,
		Submitter: rec.Submitter,
		AgentID:   rec.AgentID,
	}
}

// PurgeExpired removes tokens past twice their TTL.
func (r *Registry) PurgeExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeExpiredLocked()
}

// SetPurgeHook installs a callback invoked with the number of tokens
// removed on each purge pass. Used to feed the expiry counter.
func (r *Registry) SetPurgeHook(hook func(n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPurge = hook
}

func (r *Registry) purgeExpiredLocked() {
	now := r.now()
	purged := 0
	for tok, rec := range r.records {
		if rec.GCEligible(now) {
			delete(r.records, tok)
			purged++
		}
	}
	if purged > 0 && r.onPurge != nil {
		r.onPurge(purged)
	}
}

// All returns a snapshot of every live token record, for checkpointing.
func (r *Registry) All() []domaintoken.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domaintoken.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Restore re-inserts a token record verbatim (used by checkpoint restore
// when the original token still has remaining TTL). It does not re-sign
// the token string.
func (r *Registry) Restore(rec domaintoken.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Token] = rec
}

// LockSlot records a locked-slot entry for address, exempting it from
// TTL-driven eviction. Overwrites any existing lock on the same address.
func (r *Registry) LockSlot(address, lockedBy, reason string) domaintoken.LockedSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock := domaintoken.LockedSlot{Address: address, LockedAt: r.now(), LockedBy: lockedBy, Reason: reason}
	r.locks[address] = lock
	return lock
}

// UnlockSlot removes address's lock, if present. Reports whether a lock
// was actually held.
func (r *Registry) UnlockSlot(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locks[address]; !ok {
		return false
	}
	delete(r.locks, address)
	return true
}

// IsLocked reports whether address currently carries a locked-slot record.
func (r *Registry) IsLocked(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.locks[address]
	return ok
}

// Evict reports whether address is eligible for TTL-driven eviction, i.e.
// it carries no locked-slot record. Eviction itself (clearing the bound
// slot) is the caller's responsibility; this only guards the policy
// decision so lock state stays inside one component.
func (r *Registry) Evict(address string) bool {
	return !r.IsLocked(address)
}

// AllLocks returns a snapshot of every locked-slot record, for
// checkpointing.
func (r *Registry) AllLocks() []domaintoken.LockedSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domaintoken.LockedSlot, 0, len(r.locks))
	for _, lock := range r.locks {
		out = append(out, lock)
	}
	return out
}

// RestoreLock re-inserts a locked-slot record verbatim, including locks
// whose address no longer corresponds to any persisted snippet.
func (r *Registry) RestoreLock(lock domaintoken.LockedSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[lock.Address] = lock
}
