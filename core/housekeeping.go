package core

import (
	"context"
	"time"

	"github.com/ppmesh/exchange-core/cryptokeys"
)

const (
	cleanupInterval  = 5 * time.Minute
	integrityInterval = 30 * time.Minute
)

// housekeeping runs spec §4.7's two periodic tasks: message cleanup
// (an incremental cooperative task, at most one step per tick) and
// integrity check (a background worker the engine joins).
type housekeeping struct {
	lastCleanup   time.Time
	cleanupCursor []MessageID // remaining work for the in-progress cleanup pass

	lastIntegrity time.Time
	integrityDone chan struct{}
}

func newHousekeeping() *housekeeping { return &housekeeping{} }

// IntegrityReport summarizes one integrity-check pass.
type IntegrityReport struct {
	Scanned      int
	BadHash      []MessageID
	BadDeserial  []MessageID
	BadGroupHash []GroupID
}

// step runs at most one housekeeping action per tick: kick off or
// continue message cleanup, and separately poll/launch the integrity
// worker. Neither blocks the caller for longer than one cooperative
// slice of work.
func (e *Engine) housekeepingStep(ctx context.Context) {
	h := e.housekeeping
	now := e.now()

	if h.cleanupCursor == nil && now.Sub(h.lastCleanup) >= cleanupInterval {
		h.cleanupCursor = e.allMessageIDs()
		h.lastCleanup = now
	}
	if h.cleanupCursor != nil {
		done := e.cleanupStep(h)
		if done {
			h.cleanupCursor = nil
		}
	}

	if h.integrityDone == nil && now.Sub(h.lastIntegrity) >= integrityInterval {
		h.integrityDone = make(chan struct{})
		go e.runIntegrityCheck(h)
	}
	if h.integrityDone != nil {
		select {
		case <-h.integrityDone:
			h.integrityDone = nil
			h.lastIntegrity = e.now()
		default:
		}
	}
}

// cleanupStepBatch bounds how much of the cleanup cursor is processed
// per tick, so a single tick's worth of work stays cheap regardless of
// store size.
const cleanupStepBatch = 256

func (e *Engine) cleanupStep(h *housekeeping) (done bool) {
	n := cleanupStepBatch
	if n > len(h.cleanupCursor) {
		n = len(h.cleanupCursor)
	}
	batch := h.cleanupCursor[:n]
	h.cleanupCursor = h.cleanupCursor[n:]

	now := e.now()
	for _, id := range batch {
		m, ok := e.messages[id]
		if !ok {
			continue
		}
		if m.Status&MessageKeep != 0 {
			continue
		}
		period := e.messageStoragePeriod(e.groups[m.GroupID])
		if m.PublishTS.Add(period).Before(now) {
			gid := m.GroupID
			delete(e.messages, id)
			delete(e.messagePayload, id)
			e.dirtyDeletedMessages = append(e.dirtyDeletedMessages, deletedMessageRef{Group: gid, ID: id})
		}
	}
	return len(h.cleanupCursor) == 0
}

func (e *Engine) allMessageIDs() []MessageID {
	ids := make([]MessageID, 0, len(e.messages))
	for id := range e.messages {
		ids = append(ids, id)
	}
	return ids
}

// runIntegrityCheck executes on its own goroutine (spec §4.7: "runs on
// a background worker; the engine joins it"). The engine maps are not
// safe to read without the lock, so it copies groups and messages into
// a snapshot under e.mu first, then verifies off-lock.
func (e *Engine) runIntegrityCheck(h *housekeeping) {
	e.mu.Lock()
	groupsSnap := make([]Group, 0, len(e.groups))
	for id, m := range e.groups {
		groupsSnap = append(groupsSnap, Group{Payload: e.groupPayload[id], Meta: *m})
	}
	msgsSnap := make([]Message, 0, len(e.messages))
	for id, m := range e.messages {
		msgsSnap = append(msgsSnap, Message{Payload: e.messagePayload[id], Meta: *m})
	}
	e.mu.Unlock()

	report := &IntegrityReport{}
	for _, g := range groupsSnap {
		report.Scanned++
		buf := GroupSignedBuffer(g.Payload, g.Meta)
		if !bytesEqual(cryptokeys.HashBytes(buf), g.Meta.ContentHash) {
			report.BadGroupHash = append(report.BadGroupHash, g.Meta.ID)
		}
	}
	for _, m := range msgsSnap {
		report.Scanned++
		buf := MessageSignedBuffer(m.Payload, m.Meta)
		if !bytesEqual(cryptokeys.HashBytes(buf), m.Meta.ContentHash) {
			report.BadHash = append(report.BadHash, m.Meta.ID)
		}
	}

	e.integrityMu.Lock()
	e.lastIntegrityReport = report
	e.integrityMu.Unlock()
	close(h.integrityDone)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LastIntegrityReport returns the most recently completed integrity
// check's findings, or nil if none has completed yet.
func (e *Engine) LastIntegrityReport() *IntegrityReport {
	e.integrityMu.Lock()
	defer e.integrityMu.Unlock()
	return e.lastIntegrityReport
}
