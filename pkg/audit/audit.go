// Package audit is Conductor's Audit Log (spec §4.11): an append-only,
// strictly ordered record of durable state transitions, with rollback.
//
// seq is assigned from an in-process counter guarded by Log's mutex and
// resumed from the highest persisted seq on NewLog, so every Append gets a
// larger seq than any earlier one; it is not the raft.Log.Index. Entries
// are written by the Event Bus for audit-tagged events (events.Appender)
// and by Rollback's checkpoint; Core's FSM.Apply (pkg/core/fsm.go) does
// not write audit entries itself.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// Restorer applies a previously-recorded payload snapshot back onto an
// entity's durable record. Registered per entityKind.
type Restorer func(payload []byte) error

// Log is the Audit Log. It satisfies events.Appender.
type Log struct {
	mu        sync.Mutex
	store     storage.Store
	seq       uint64
	restorers map[string]Restorer
}

// NewLog creates a Log over store, restoring its seq watermark from the
// highest seq already persisted (so a restart does not reuse seq values).
func NewLog(store storage.Store) (*Log, error) {
	entries, err := store.ListAuditEntries("", "")
	if err != nil {
		return nil, fmt.Errorf("audit: load existing entries: %w", err)
	}
	var max uint64
	for _, e := range entries {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return &Log{store: store, seq: max, restorers: make(map[string]Restorer)}, nil
}

// RegisterRestorer installs the function Rollback uses to re-apply a
// snapshot payload for the given entity kind ("instance", "task",
// "breaker_state", "tenant_budget").
func (l *Log) RegisterRestorer(entityKind string, r Restorer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restorers[entityKind] = r
}

// Append records a state transition. payload, when non-nil, is treated as
// a full post-transition snapshot of the entity and is what Rollback
// replays. seq is taken under l.mu, so it is strictly increasing across
// callers; the store write happens after the lock is released, so
// concurrent Appends may reach the store in a different order than their
// seq values.
func (l *Log) Append(entityKind, entityID, fromState, toState, actor, reason string, payload []byte) error {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	sum := sha256.Sum256(payload)
	entry := &types.AuditEntry{
		Seq:         seq,
		Timestamp:   time.Now(),
		EntityKind:  entityKind,
		EntityID:    entityID,
		FromState:   fromState,
		ToState:     toState,
		Actor:       actor,
		Reason:      reason,
		PayloadHash: hex.EncodeToString(sum[:]),
		Payload:     payload,
	}
	return l.store.AppendAuditEntry(entry)
}

// History returns every entry for (entityKind, entityID) in seq order.
func (l *Log) History(entityKind, entityID string) ([]*types.AuditEntry, error) {
	entries, err := l.store.ListAuditEntries(entityKind, entityID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// Rollback reconstructs the state of (entityKind, entityID) as of
// targetSeq: it finds the last entry with Seq <= targetSeq that carries a
// payload snapshot, writes a checkpoint entry recording the rollback
// itself (so the rollback is audited, per spec §4.11), then invokes the
// registered Restorer for entityKind with that snapshot.
func (l *Log) Rollback(entityKind, entityID string, targetSeq uint64, actor string) error {
	l.mu.Lock()
	restorer, ok := l.restorers[entityKind]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("audit: no restorer registered for entity kind %q", entityKind)
	}

	history, err := l.History(entityKind, entityID)
	if err != nil {
		return err
	}

	var target *types.AuditEntry
	for _, e := range history {
		if e.Seq <= targetSeq && e.Payload != nil {
			target = e
		}
		if e.Seq > targetSeq {
			break
		}
	}
	if target == nil {
		return fmt.Errorf("audit: no snapshot found for %s/%s at or before seq %d", entityKind, entityID, targetSeq)
	}

	if err := l.Append(entityKind, entityID, "", "rollback_checkpoint", actor,
		fmt.Sprintf("rollback to seq %d", targetSeq), target.Payload); err != nil {
		return fmt.Errorf("audit: write rollback checkpoint: %w", err)
	}

	return restorer(target.Payload)
}
