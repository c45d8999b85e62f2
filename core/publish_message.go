package core

import (
	"context"

	"github.com/ppmesh/exchange-core/cryptokeys"
)

const messageSignRetryCap = 5

// MessagePublishItem is a caller's request to author a new message.
type MessagePublishItem struct {
	Token    Token
	GroupID  GroupID
	Payload  []byte
	AuthorID string
	ParentID *MessageID
	Service  string
	AttachedInfo []byte
	// ExplicitPublishRequired lets a caller demand a publish signature
	// even where policy alone would not (spec §4.4: "message carries
	// explicit publish requirement").
	ExplicitPublishRequired bool
}

type pendingMessagePublish struct {
	item     MessagePublishItem
	meta     MessageMeta
	attempts int
}

type messagePublisher struct {
	queue []MessagePublishItem
	retry map[Token]*pendingMessagePublish
}

func newMessagePublisher() *messagePublisher {
	return &messagePublisher{retry: make(map[Token]*pendingMessagePublish)}
}

func (p *messagePublisher) enqueue(item MessagePublishItem) {
	p.queue = append(p.queue, item)
}

// publishMessagesTick runs spec §4.3's message publication pipeline:
// reinject retries, then attempt sign+store for the combined work set.
func (e *Engine) publishMessagesTick(ctx context.Context) []MessageID {
	p := e.msgPub
	var published []MessageID

	work := make([]MessagePublishItem, 0, len(p.queue)+len(p.retry))
	work = append(work, p.queue...)
	p.queue = p.queue[:0]
	for _, pend := range p.retry {
		work = append(work, pend.item)
	}

	for _, item := range work {
		pend := p.retry[item.Token]
		if pend == nil {
			pend = &pendingMessagePublish{item: item}
		}

		group, ok := e.groups[item.GroupID]
		if !ok {
			e.ledger.SetStatus(item.Token, TokenFailed)
			delete(p.retry, item.Token)
			continue
		}

		_, privKey, hasKey, err := group.Keys.PrivatePublishKey()
		if err != nil {
			e.ledger.SetStatus(item.Token, TokenFailed)
			delete(p.retry, item.Token)
			continue
		}

		isChild := item.ParentID != nil
		needPublish, _ := e.sigAuthority.Requirements(*group, item.AuthorID, isChild, item.ExplicitPublishRequired)
		if needPublish && !hasKey {
			e.ledger.SetStatus(item.Token, TokenFailed)
			delete(p.retry, item.Token)
			continue
		}

		if !e.sizeOK(ctx, len(item.Payload)) {
			e.ledger.SetStatus(item.Token, TokenFailed)
			delete(p.retry, item.Token)
			continue
		}

		meta := MessageMeta{
			GroupID:      item.GroupID,
			ParentID:     item.ParentID,
			AuthorID:     item.AuthorID,
			Service:      item.Service,
			AttachedInfo: item.AttachedInfo,
			PublishTS:    e.now(),
		}
		meta.ID = cryptokeys.Hash(MessageSignedBuffer(item.Payload, meta))
		buf := MessageSignedBuffer(item.Payload, meta)

		var publishSig []byte
		publishOutcome := SignSuccess
		if needPublish {
			if hasKey {
				publishSig, err = signEd25519(privKey.Bytes[ed25519PublicKeySize:], buf)
				if err != nil {
					publishOutcome = SignFail
				}
			} else {
				publishOutcome = SignFail
			}
		}

		_, identitySig, idOutcome, err := e.sigAuthority.SignMessage(ctx, *group, item.AuthorID, isChild, item.ExplicitPublishRequired, buf)
		if err != nil {
			e.ledger.SetStatus(item.Token, TokenFailed)
			delete(p.retry, item.Token)
			continue
		}

		overall := Aggregate([]SignOutcome{publishOutcome, idOutcome})
		switch overall {
		case SignFail:
			e.ledger.SetStatus(item.Token, TokenFailed)
			delete(p.retry, item.Token)
			continue
		case SignTryLater:
			pend.attempts++
			if pend.attempts >= messageSignRetryCap {
				e.ledger.SetStatus(item.Token, TokenFailed)
				delete(p.retry, item.Token)
				continue
			}
			p.retry[item.Token] = pend
			continue
		}

		sigs := SignatureSet{}
		if publishSig != nil {
			sigs[SigRolePublish] = publishSig
		}
		if identitySig != nil {
			sigs[SigRoleIdentity] = identitySig
		}
		meta.Signatures = sigs
		meta.OrigID = meta.ID
		meta.ReceiveTS = e.now()
		meta.ContentHash = cryptokeys.HashBytes(buf)
		meta.Status = MessageUnprocessed | MessageUnread

		delete(p.retry, item.Token)
		if e.ledger.Cancelled(item.Token) {
			continue
		}
		e.storeLocalMessage(Message{Payload: item.Payload, Meta: meta})
		e.ledger.SetStatus(item.Token, TokenComplete)
		e.ledger.SetMessageAck(item.Token, item.GroupID, meta.ID)
		published = append(published, meta.ID)
	}

	return published
}

func (e *Engine) storeLocalMessage(m Message) {
	meta := m.Meta
	e.messages[meta.ID] = &meta
	e.messagePayload[meta.ID] = m.Payload
	e.dirtyMessages[meta.ID] = struct{}{}
}
