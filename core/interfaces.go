package core

import (
	"context"
	"time"
)

// Store is the engine's dependency on durable storage; the Data Access
// Front-End serves reads from memory and does not call it.
// Implementations (storage/mongostore) must honor spec §4.9: batch
// retrieve/store/delete calls are expected to take real I/O time, and
// the engine releases its lock (e.mu) around each call rather than
// holding it for the duration.
type Store interface {
	// RetrieveGroups returns groups matching ids, or all known groups if
	// ids is empty.
	RetrieveGroups(ctx context.Context, ids []GroupID) ([]Group, error)
	StoreGroups(ctx context.Context, groups []Group) error
	DeleteGroups(ctx context.Context, ids []GroupID) error

	RetrieveMessages(ctx context.Context, group GroupID, ids []MessageID) ([]Message, error)
	StoreMessages(ctx context.Context, msgs []Message) error
	DeleteMessages(ctx context.Context, group GroupID, ids []MessageID) error

	// UpdateGroupMeta/UpdateMessageMeta persist a masked meta-mutation
	// (the Meta-Mutation Processor's output) without touching payload
	// bytes, returning the number of documents actually modified so a
	// caller can tell "already matched" apart from "not found".
	UpdateGroupMeta(ctx context.Context, id GroupID, meta GroupMeta) (int, error)
	UpdateMessageMeta(ctx context.Context, group GroupID, id MessageID, meta MessageMeta) (int, error)

	// ValidSize reports whether adding addBytes would keep the store
	// within its configured budget. The publish pipelines check it before
	// signing and mark the token failed when it reports false; the
	// receive pipelines check it after verification and drop the item.
	ValidSize(ctx context.Context, addBytes int64) (bool, error)
}

// IdentityService is the abstract identity contract from spec §6: the
// core never generates or stores private keys itself, it only asks.
type IdentityService interface {
	HasKey(ctx context.Context, identityID string) bool
	HavePrivateKey(ctx context.Context, identityID string) bool
	GetKey(ctx context.Context, identityID string) ([]byte, bool)
	GetPrivateKey(ctx context.Context, identityID string) ([]byte, bool)
	RequestKey(ctx context.Context, identityID string) // async hint, no return
	RequestPrivateKey(ctx context.Context, identityID string)
}

// Signer produces a signature over buf using the named role's key
// material for a group. TryLater distinguishes "the key isn't
// available yet, ask again" from a hard failure.
type Signer interface {
	Sign(ctx context.Context, group GroupID, role SigRole, buf []byte) (sig []byte, outcome SignOutcome, err error)
}

// Verifier checks a signature against known key material for a group.
type Verifier interface {
	Verify(ctx context.Context, group GroupID, role SigRole, buf, sig []byte) (outcome SignOutcome, err error)
}

// SignOutcome is the tri-state result of a sign or verify attempt
// (spec §4.6): a key that isn't ready yet is not the same failure as a
// key that will never verify.
type SignOutcome int32

const (
	SignSuccess SignOutcome = iota
	SignFail
	SignTryLater
)

// Aggregate folds a set of per-signature outcomes into one overall
// result: any TryLater dominates unless a hard Fail is present, in
// which case Fail wins; all-Success is the only way to get Success.
func Aggregate(outcomes []SignOutcome) SignOutcome {
	sawTryLater := false
	for _, o := range outcomes {
		switch o {
		case SignFail:
			return SignFail
		case SignTryLater:
			sawTryLater = true
		}
	}
	if sawTryLater {
		return SignTryLater
	}
	return SignSuccess
}

// Notifier is the outbound half of the Notification Bus: a component
// (transportbridge/*) that turns drained changes into wire events.
type Notifier interface {
	NotifyNewGroups(ctx context.Context, groups []Group) error
	NotifyNewMessages(ctx context.Context, msgs []Message) error
	NotifyChanges(ctx context.Context, event ChangeEvent) error
}

// ChangeEvent is one unit of the "updated" drain stream: a change to
// groups, messages, or the token ledger that a subscriber should learn
// about without polling.
type ChangeEvent struct {
	Kind      ChangeKind
	GroupIDs  []GroupID
	MessageIDs []MessageID
	Token     Token
	At        time.Time
}

type ChangeKind int32

const (
	ChangeGroupsUpdated ChangeKind = iota
	ChangeMessagesUpdated
	ChangeTokenUpdated
)

// ServiceHook is the enclosing service's callback surface (spec §6,
// "produced" interfaces): finalizing a group at publish time, and a
// once-per-tick hint so the service can drive its own bookkeeping in
// lockstep with the engine.
type ServiceHook interface {
	// ServiceCreateGroup finalizes a locally authored group before
	// signing: it may fill in group.Payload from service-specific state
	// and returns whether the group is ready, should be retried next
	// tick, or has failed outright.
	ServiceCreateGroup(ctx context.Context, item *GroupPublishItem, keys KeySet) HookOutcome
	ServiceTick(ctx context.Context)
}

// HookOutcome is the three-way result of an external service hook.
type HookOutcome int32

const (
	HookSuccess HookOutcome = iota
	HookTryLater
	HookFail
)

// Clock abstracts time so tests can control tick pacing deterministically
// (grounded on the teacher's ConnManager sweeper tests, which inject a
// fake ticker rather than sleeping in real time).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock is the default, real-time Clock.
var SystemClock Clock = realClock{}
