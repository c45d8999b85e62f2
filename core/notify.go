package core

import "sync"

// NotifyReason tags why a change record was raised.
type NotifyReason int32

const (
	ReasonReceive NotifyReason = iota
	ReasonPublish
	ReasonProcessed
)

// Notification is the tagged union from spec §3/§4.6: either a group-
// change or a message-change, never both.
type Notification struct {
	IsGroupChange bool
	Reason        NotifyReason
	MetaOnly      bool // true for reason=processed (meta-mutation only)

	// GroupChange
	GroupIDs []GroupID

	// MessageChange: group id -> message ids raised together (receive).
	MessagesByGroup map[GroupID][]MessageID
	// MessageIDs is used instead of MessagesByGroup for a processed-
	// reason message notification, where the changed ids don't need
	// grouping by group (spec §4.2: "appends the changed id").
	MessageIDs []MessageID
}

// notificationBus accumulates records during pipeline work and flushes
// them once per tick (spec §4.6). Consumer-facing drains use try-lock
// so a busy tick never stalls a UI caller (spec §5).
type notificationBus struct {
	mu      sync.Mutex
	pending []Notification
}

func newNotificationBus() *notificationBus { return &notificationBus{} }

func (b *notificationBus) raiseGroups(ids []GroupID, reason NotifyReason) {
	if len(ids) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, Notification{IsGroupChange: true, Reason: reason, GroupIDs: ids, MetaOnly: reason == ReasonProcessed})
}

func (b *notificationBus) raiseMessages(byGroup map[GroupID][]MessageID, reason NotifyReason) {
	if len(byGroup) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, Notification{IsGroupChange: false, Reason: reason, MessagesByGroup: byGroup, MetaOnly: reason == ReasonProcessed})
}

func (b *notificationBus) raiseProcessedMessages(ids []MessageID) {
	if len(ids) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, Notification{IsGroupChange: false, Reason: ReasonProcessed, MetaOnly: true, MessageIDs: ids})
}

// swap atomically takes ownership of everything accumulated so far,
// leaving the bus empty for the next tick — the "atomically swaps out
// the pending vector" step of spec §4.6.
func (b *notificationBus) swap() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// GroupsChanged is the consumer-facing try-lock drain for group
// notifications (spec §4.6/§5): on contention it returns ok=false
// rather than block.
func (e *Engine) GroupsChanged() (notes []Notification, ok bool) {
	if !e.drainMu.TryLock() {
		return nil, false
	}
	defer e.drainMu.Unlock()
	var out []Notification
	for _, n := range e.lastFlush {
		if n.IsGroupChange {
			out = append(out, n)
		}
	}
	return out, true
}

// MessagesChanged mirrors GroupsChanged for message notifications.
func (e *Engine) MessagesChanged() (notes []Notification, ok bool) {
	if !e.drainMu.TryLock() {
		return nil, false
	}
	defer e.drainMu.Unlock()
	var out []Notification
	for _, n := range e.lastFlush {
		if !n.IsGroupChange {
			out = append(out, n)
		}
	}
	return out, true
}

// Updated is the combined try-lock drain returning the last flushed
// group and message notifications together; token-status changes are
// not included (poll Status for those).
func (e *Engine) Updated() (notes []Notification, ok bool) {
	if !e.drainMu.TryLock() {
		return nil, false
	}
	defer e.drainMu.Unlock()
	return e.lastFlush, true
}
