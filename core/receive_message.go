package core

import (
	"context"
	"time"

	"github.com/ppmesh/exchange-core/cryptokeys"
)

const messageValidateRetryCap = 5

type messageKey struct {
	Group GroupID
	ID    MessageID
}

// RawMessageEnvelope is the deserialized shape of an incoming message
// buffer, mirroring RawGroupEnvelope.
type RawMessageEnvelope struct {
	Payload    []byte
	Meta       MessageMeta
	Signatures SignatureSet
}

type pendingMessageValidate struct {
	raw      []byte
	attempts int
}

type receivedRawMessage struct {
	Raw []byte
}

type messageReceiver struct {
	incoming []receivedRawMessage
	pending  map[messageKey]*pendingMessageValidate
}

func newMessageReceiver() *messageReceiver {
	return &messageReceiver{pending: make(map[messageKey]*pendingMessageValidate)}
}

func (r *messageReceiver) enqueue(raw []byte) {
	r.incoming = append(r.incoming, receivedRawMessage{Raw: raw})
}

// receiveMessagesTick runs spec §4.5's message reception pipeline: it
// validates a combined work set (fresh arrivals + promoted retries),
// then filters and bulk-stores survivors, per group.
func (e *Engine) receiveMessagesTick(ctx context.Context) map[GroupID][]MessageID {
	r := e.msgRecv
	work := r.incoming
	r.incoming = nil

	type candidate struct {
		key  messageKey
		meta MessageMeta
		raw  []byte
	}
	batch := make(map[GroupID][]candidate)

	validate := func(raw []byte) {
		env, err := e.deserializer.DeserializeMessage(raw)
		if err != nil {
			return
		}
		key := messageKey{Group: env.Meta.GroupID, ID: env.Meta.ID}
		if _, exists := e.messages[key.ID]; exists {
			delete(r.pending, key) // step: dedupe against already-stored id too
			return
		}
		group, ok := e.groups[key.Group]
		if !ok {
			return
		}
		env.Meta.Signatures = env.Signatures
		isChild := env.Meta.ParentID != nil
		buf := MessageSignedBuffer(env.Payload, env.Meta)
		outcome, err := e.sigAuthority.VerifyMessage(ctx, *group, env.Meta.AuthorID, isChild, false, buf, env.Signatures)
		if err != nil {
			return
		}
		switch outcome {
		case SignFail:
			delete(r.pending, key)
			return
		case SignTryLater:
			pend, ok := r.pending[key]
			if !ok {
				pend = &pendingMessageValidate{raw: raw}
				r.pending[key] = pend
			}
			pend.attempts++
			if pend.attempts >= messageValidateRetryCap {
				delete(r.pending, key)
			}
			return
		}
		delete(r.pending, key)
		env.Meta.Status = MessageUnprocessed | MessageUnread
		env.Meta.ReceiveTS = e.now()
		env.Meta.ContentHash = cryptokeys.HashBytes(buf)
		if env.Meta.OrigID == (MessageID{}) {
			env.Meta.OrigID = env.Meta.ID
		}
		batch[key.Group] = append(batch[key.Group], candidate{key: key, meta: env.Meta, raw: env.Payload})
	}

	carried := make([]messageKey, 0, len(r.pending))
	for key := range r.pending {
		carried = append(carried, key)
	}
	for _, item := range work {
		validate(item.Raw)
	}
	for _, key := range carried {
		if pend, ok := r.pending[key]; ok {
			validate(pend.raw)
		}
	}

	notified := make(map[GroupID][]MessageID)
	for gid, cands := range batch {
		group := e.groups[gid]
		period := e.messageStoragePeriod(group)
		var survivors []candidate
		seen := make(map[MessageID]struct{}, len(cands))
		for _, c := range cands {
			if _, dup := e.messages[c.key.ID]; dup {
				continue
			}
			if _, dup := seen[c.key.ID]; dup {
				continue // same id arrived twice within this tick's batch
			}
			if !publicationTest(c.meta, period, e.now()) {
				continue
			}
			if !e.sizeOK(ctx, len(c.raw)) {
				continue
			}
			seen[c.key.ID] = struct{}{}
			survivors = append(survivors, c)
		}
		if len(survivors) == 0 {
			continue
		}
		ids := make([]MessageID, 0, len(survivors))
		for _, c := range survivors {
			meta := c.meta
			e.messages[c.key.ID] = &meta
			e.messagePayload[c.key.ID] = c.raw
			e.dirtyMessages[c.key.ID] = struct{}{}
			ids = append(ids, c.key.ID)
		}
		notified[gid] = ids
	}
	return notified
}

// publicationTest is spec §8 property 7's survival predicate.
func publicationTest(m MessageMeta, period time.Duration, now time.Time) bool {
	if m.Status&MessageKeep != 0 {
		return true
	}
	return !m.PublishTS.Add(period).Before(now)
}

func (e *Engine) messageStoragePeriod(g *GroupMeta) time.Duration {
	if g != nil && g.StoragePeriodOverride > 0 {
		return g.StoragePeriodOverride
	}
	return e.defaultStoragePeriod
}
