package core

import (
	"context"
	"time"

	"github.com/ppmesh/exchange-core/cryptokeys"
)

// groupPublishTimeout is the wall-clock cap on a pending group publish
// (spec §9(c): the source labels this constant 10 but comments "5
// seconds" — 10s is adopted for consistency with the code path).
const groupPublishTimeout = 10 * time.Second

const groupSignRetryCap = 5

// GroupPublishItem is a caller's request to author a new group or
// update an existing one.
type GroupPublishItem struct {
	Token       Token
	Payload     []byte
	AuthorID    string
	Privacy     PrivacyClass
	OptionFlags uint32
	ParentID    string
	Circle      Circle
	Service     string
	IsUpdate    bool
	GroupID     GroupID // set for updates
}

type pendingGroupPublish struct {
	item      GroupPublishItem
	keys      KeySet
	meta      GroupMeta
	attempts  int
	startTS   time.Time
	isUpdate  bool
}

// groupPublisher drives spec §4.3's group publication pipeline.
type groupPublisher struct {
	queue []GroupPublishItem
	retry []*pendingGroupPublish
}

func newGroupPublisher() *groupPublisher { return &groupPublisher{} }

func (p *groupPublisher) enqueue(item GroupPublishItem) {
	p.queue = append(p.queue, item)
}

// publishGroupsTick runs one pass of the group publish pipeline (spec §4.3 steps
// 1-3). It mutates e's in-memory group table and ledger directly and
// returns the ids that should be announced this tick.
func (e *Engine) publishGroupsTick(ctx context.Context) []GroupID {
	p := e.groupPub
	var published []GroupID

	// Step 1: collect updates first.
	var fresh []GroupPublishItem
	for _, item := range p.queue {
		if !item.IsUpdate {
			fresh = append(fresh, item)
			continue
		}
		existing, ok := e.groups[item.GroupID]
		if !ok {
			e.ledger.SetStatus(item.Token, TokenFailed)
			continue
		}
		if _, _, ok, err := existing.Keys.PrivatePublishKey(); err != nil || !ok {
			e.ledger.SetStatus(item.Token, TokenFailed)
			continue
		}
		if _, ok := existing.Keys.AdminKey(); !ok {
			e.ledger.SetStatus(item.Token, TokenFailed)
			continue
		}
		meta := *existing
		p.retry = append(p.retry, &pendingGroupPublish{
			item:     item,
			keys:     existing.Keys,
			meta:     meta,
			startTS:  e.now(),
			isUpdate: true,
		})
	}
	p.queue = fresh

	// Fresh (first-time) items enter the retry set with newly generated
	// keys so the same retry loop below handles both cases uniformly.
	for _, item := range p.queue {
		kp, err := cryptokeys.Generate()
		if err != nil {
			e.ledger.SetStatus(item.Token, TokenFailed)
			continue
		}
		pubKp, err := cryptokeys.Generate()
		if err != nil {
			e.ledger.SetStatus(item.Token, TokenFailed)
			continue
		}
		groupID := cryptokeys.KeyID(kp.Public)
		keys := KeySet{
			"admin":   {Role: KeyRoleAdmin, Material: KeyMaterialFull, Bytes: append(append([]byte{}, kp.Public...), kp.Private...)},
			"publish": {Role: KeyRolePublishPrivate, Material: KeyMaterialFull, Bytes: append(append([]byte{}, pubKp.Public...), pubKp.Private...)},
		}
		meta := GroupMeta{
			ID:          groupID,
			AuthorID:    item.AuthorID,
			Privacy:     item.Privacy,
			OptionFlags: item.OptionFlags,
			ParentID:    item.ParentID,
			Circle:      item.Circle,
			Status:      GroupStatusUnprocessed | GroupStatusUnread,
			Service:     item.Service,
			Keys:        keys,
		}
		p.retry = append(p.retry, &pendingGroupPublish{
			item:     item,
			keys:     keys,
			meta:     meta,
			startTS:  e.now(),
			isUpdate: false,
		})
	}
	p.queue = p.queue[:0]

	// Step 2/3: process the retry set.
	var stillPending []*pendingGroupPublish
	for _, pend := range p.retry {
		if e.now().After(pend.startTS.Add(groupPublishTimeout)) {
			e.ledger.SetStatus(pend.item.Token, TokenFailed)
			continue
		}

		hookItem := pend.item
		outcome := HookSuccess
		if e.serviceHook != nil {
			outcome = e.serviceHook.ServiceCreateGroup(ctx, &hookItem, pend.keys)
		}
		switch outcome {
		case HookFail:
			e.ledger.SetStatus(pend.item.Token, TokenFailed)
			continue
		case HookTryLater:
			stillPending = append(stillPending, pend)
			continue
		}
		pend.meta.PublishTS = e.now()

		if !e.sizeOK(ctx, len(hookItem.Payload)) {
			e.ledger.SetStatus(pend.item.Token, TokenFailed)
			continue
		}

		adminID, admin, ok := adminKeyFor(pend.keys)
		if !ok {
			e.ledger.SetStatus(pend.item.Token, TokenFailed)
			continue
		}
		_ = adminID
		buf := GroupSignedBuffer(hookItem.Payload, pend.meta)
		adminSig, err := signEd25519(admin.Bytes[ed25519PublicKeySize:], buf)
		if err != nil {
			e.ledger.SetStatus(pend.item.Token, TokenFailed)
			continue
		}

		identitySig, outcome2, err := e.sigAuthority.SignGroup(ctx, pend.meta, buf)
		if err != nil {
			e.ledger.SetStatus(pend.item.Token, TokenFailed)
			continue
		}
		switch outcome2 {
		case SignFail:
			e.ledger.SetStatus(pend.item.Token, TokenFailed)
			continue
		case SignTryLater:
			pend.attempts++
			if pend.attempts >= groupSignRetryCap {
				e.ledger.SetStatus(pend.item.Token, TokenFailed)
				continue
			}
			stillPending = append(stillPending, pend)
			continue
		}

		sigs := SignatureSet{SigRoleAdmin: adminSig}
		if identitySig != nil {
			sigs[SigRoleIdentity] = identitySig
		}
		pend.meta.Signatures = sigs
		pend.meta.ContentHash = cryptokeys.HashBytes(buf)
		pend.meta.ReceiveTS = e.now()

		if e.ledger.Cancelled(pend.item.Token) {
			continue
		}
		g := Group{Payload: hookItem.Payload, Meta: pend.meta}
		e.storeLocalGroup(g)
		e.ledger.SetStatus(pend.item.Token, TokenComplete)
		e.ledger.SetGroupAck(pend.item.Token, pend.meta.ID)
		published = append(published, pend.meta.ID)
	}
	p.retry = stillPending

	return published
}

const ed25519PublicKeySize = 32

// adminKeyFor extracts the admin key record; Bytes is public‖private
// for full-material records, matching how publishGroupsTick packs
// freshly generated key pairs above.
func adminKeyFor(ks KeySet) (string, KeyRecord, bool) {
	for id, r := range ks {
		if r.Role == KeyRoleAdmin {
			return id, r, true
		}
	}
	return "", KeyRecord{}, false
}

// storeLocalGroup installs a group into the in-memory table that
// StoreGroups will flush to the backing Store; private keys stay
// attached to this locally held copy per spec §3's invariant.
func (e *Engine) storeLocalGroup(g Group) {
	m := g.Meta
	e.groups[g.Meta.ID] = &m
	e.groupPayload[g.Meta.ID] = g.Payload
	e.dirtyGroups[g.Meta.ID] = struct{}{}
}
