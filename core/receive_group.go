package core

import (
	"context"

	"github.com/ppmesh/exchange-core/cryptokeys"
)

const groupValidateRetryCap = 5

// pendingGroupValidate tracks a raw group buffer awaiting a
// SUCCESS/FAIL/TRY_LATER verdict from the Signature Authority.
type pendingGroupValidate struct {
	raw      []byte
	sender   string
	attempts int
}

type groupReceiver struct {
	incoming []receivedRawGroup
	pending  map[GroupID]*pendingGroupValidate
	updates  []receivedGroupUpdate
}

type receivedRawGroup struct {
	Raw    []byte
	Sender string
}

type receivedGroupUpdate struct {
	Meta   GroupMeta
	Raw    []byte
	Sender string
}

func newGroupReceiver() *groupReceiver {
	return &groupReceiver{pending: make(map[GroupID]*pendingGroupValidate)}
}

func (r *groupReceiver) enqueue(raw []byte, sender string) {
	r.incoming = append(r.incoming, receivedRawGroup{Raw: raw, Sender: sender})
}

// RawGroupEnvelope is what Deserializer.DeserializeGroup returns for
// one received group: the service payload, its public meta and its
// signature set. The exchange core assumes the network/sync layer hands
// it an already length-delimited envelope; RawGroupEnvelope models that shape.
type RawGroupEnvelope struct {
	Payload    []byte
	Meta       GroupMeta
	Signatures SignatureSet
}

// Deserializer is how the pipeline turns network bytes into typed
// records; a real implementation lives with the transport bridge, the
// core only depends on this narrow contract.
type Deserializer interface {
	DeserializeGroup(raw []byte) (RawGroupEnvelope, error)
	DeserializeMessage(raw []byte) (RawMessageEnvelope, error)
}

// receiveGroupsTick runs spec §4.5's group reception pipeline.
func (e *Engine) receiveGroupsTick(ctx context.Context) []GroupID {
	r := e.groupRecv
	var notified []GroupID

	work := r.incoming
	r.incoming = nil

	carried := make([]GroupID, 0, len(r.pending))
	for gid := range r.pending {
		carried = append(carried, gid)
	}

	for _, item := range work {
		env, err := e.deserializer.DeserializeGroup(item.Raw)
		if err != nil {
			continue
		}
		gid := env.Meta.ID
		if _, dup := r.pending[gid]; dup {
			continue // step 1: dedupe against pending-validate
		}
		env.Meta.Signatures = env.Signatures
		r.pending[gid] = &pendingGroupValidate{raw: item.Raw, sender: item.Sender}
		r.processCandidate(e, ctx, gid, env, item.Sender, &notified)
	}

	// Re-drive anything left over from a previous tick's TRY_LATER.
	for _, gid := range carried {
		pend, ok := r.pending[gid]
		if !ok {
			continue
		}
		env, err := e.deserializer.DeserializeGroup(pend.raw)
		if err != nil {
			delete(r.pending, gid)
			continue
		}
		env.Meta.Signatures = env.Signatures
		r.processCandidate(e, ctx, gid, env, pend.sender, &notified)
	}

	return notified
}

func (r *groupReceiver) processCandidate(e *Engine, ctx context.Context, gid GroupID, env RawGroupEnvelope, sender string, notified *[]GroupID) {
	pend, ok := r.pending[gid]
	if !ok {
		return
	}
	buf := GroupSignedBuffer(env.Payload, env.Meta)
	outcome, err := e.sigAuthority.VerifyGroup(ctx, env.Meta, buf)
	if err != nil {
		delete(r.pending, gid)
		return
	}
	switch outcome {
	case SignFail:
		delete(r.pending, gid)
		return
	case SignTryLater:
		pend.attempts++
		if pend.attempts >= groupValidateRetryCap {
			delete(r.pending, gid)
		}
		return
	}

	delete(r.pending, gid)

	if !e.sizeOK(ctx, len(env.Payload)) {
		return
	}

	env.Meta.Status = GroupStatusUnprocessed | GroupStatusUnread
	env.Meta.Subscribe = 0
	env.Meta.ContentHash = cryptokeys.HashBytes(buf)

	if _, exists := e.groups[gid]; !exists {
		env.Meta.ReceiveTS = e.now()
		if env.Meta.Circle.Type == CircleYourEyesOnly {
			env.Meta.Originator = sender
		}
		e.groups[gid] = &env.Meta
		e.groupPayload[gid] = env.Payload
		e.dirtyGroups[gid] = struct{}{}
		*notified = append(*notified, gid)
		return
	}

	r.updates = append(r.updates, receivedGroupUpdate{Meta: env.Meta, Raw: env.Payload, Sender: sender})
}

// processGroupUpdatesTick implements spec §4.5.1: a new version
// replaces the stored one only if it carries a valid admin signature
// under the *old* group's admin key and is strictly newer.
func (e *Engine) processGroupUpdatesTick(ctx context.Context) []GroupID {
	r := e.groupRecv
	if len(r.updates) == 0 {
		return nil
	}
	updates := r.updates
	r.updates = nil

	var changed []GroupID
	for _, u := range updates {
		old, ok := e.groups[u.Meta.ID]
		if !ok {
			continue
		}
		adminKey, ok := old.Keys.AdminKey()
		if !ok {
			continue
		}
		adminSig, ok := u.Meta.Signatures[SigRoleAdmin]
		if !ok {
			continue
		}
		buf := GroupSignedBuffer(u.Raw, u.Meta)
		if !verifyEd25519(adminKey.Bytes, buf, adminSig) {
			continue
		}
		if !u.Meta.PublishTS.After(old.PublishTS) {
			continue
		}
		if !e.sizeOK(ctx, len(u.Raw)) {
			continue
		}

		u.Meta.Keys = old.Keys // preserve private keys held locally
		u.Meta.ReceiveTS = e.now()
		u.Meta.ContentHash = cryptokeys.HashBytes(buf)
		e.groups[u.Meta.ID] = &u.Meta
		e.groupPayload[u.Meta.ID] = u.Raw
		e.dirtyGroups[u.Meta.ID] = struct{}{}
		changed = append(changed, u.Meta.ID)
	}
	return changed
}
