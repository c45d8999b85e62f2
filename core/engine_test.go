package core

import (
	"context"
	"testing"
	"time"

	"github.com/ppmesh/exchange-core/cryptokeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAck(t *testing.T) {
	// S1: publish-ack.
	store := newMemStore()
	e := newTestEngine(store, nil, fakeHook{}, nil, newFakeClock(time.Now()), 0)
	ctx := context.Background()

	tok := e.PublishGroup(GroupPublishItem{Privacy: PrivacyPublic})
	e.Tick(ctx)

	status, ok := e.Status(tok)
	require.True(t, ok)
	assert.Equal(t, TokenComplete, status)

	gid, ok := e.AcknowledgeGroup(tok)
	require.True(t, ok)
	assert.NotEqual(t, GroupID{}, gid)

	_, ok = e.AcknowledgeGroup(tok)
	assert.False(t, ok, "second acknowledge must fail: payload is consumed exactly once")
}

func TestMissingAuthorRetry(t *testing.T) {
	// S2: missing-author-retry.
	store := newMemStore()
	identity := newFakeIdentity() // no identities registered at all
	clock := newFakeClock(time.Now())
	// Policy requiring root-author signing on the public slot so the
	// message publish pipeline must reach into the identity service.
	policy := AuthPolicy(1 << (slotPublic + bitRootAuthor))
	e := newTestEngine(store, identity, fakeHook{}, nil, clock, policy)
	ctx := context.Background()

	gtok := e.PublishGroup(GroupPublishItem{Privacy: PrivacyPublic})
	e.Tick(ctx)
	gid, ok := e.AcknowledgeGroup(gtok)
	require.True(t, ok)

	mtok := e.PublishMessage(MessagePublishItem{GroupID: gid, AuthorID: "id-X", Payload: []byte("hi")})

	for i := 0; i < 5; i++ {
		e.Tick(ctx)
	}

	status, ok := e.Status(mtok)
	require.True(t, ok)
	assert.Equal(t, TokenFailed, status)
	assert.Equal(t, 5, identity.PrivateKeyRequestCount("id-X"))
}

func TestMaskedStatusFlip(t *testing.T) {
	// S3: masked status flip.
	store := newMemStore()
	e := newTestEngine(store, nil, nil, nil, newFakeClock(time.Now()), 0)
	ctx := context.Background()

	var gid GroupID
	gid[0] = 7
	store.groups[gid] = Group{Meta: GroupMeta{ID: gid, Status: 0x0001}}
	require.NoError(t, e.Load(ctx))

	tok := e.SetGroupMeta(gid, ContentValue{
		KeyGroupStatus:                uint32(0x0010),
		KeyGroupStatus + "_MASK":      uint32(0x00F0),
	})
	e.Tick(ctx)

	status, ok := e.Status(tok)
	require.True(t, ok)
	assert.Equal(t, TokenComplete, status)
	assert.Equal(t, uint32(0x0011), e.groups[gid].Status)
	assert.Equal(t, uint32(0x0011), store.groups[gid].Meta.Status, "masked meta change must flush to the store")
}

func TestMaskedUpdateIdempotent(t *testing.T) {
	// Testable property 4: applying the same (value, mask) twice yields
	// the same bits as applying it once.
	c := ContentValue{
		KeyGroupStatus:           uint32(0x0010),
		KeyGroupStatus + "_MASK": uint32(0x00F0),
	}
	first, changed1 := applyMasked(0x0001, c, KeyGroupStatus)
	assert.True(t, changed1)
	second, changed2 := applyMasked(first, c, KeyGroupStatus)
	assert.False(t, changed2)
	assert.Equal(t, first, second)
}

func TestPublishedGroupKeysSurviveWireRoundtrip(t *testing.T) {
	// A locally authored group's key set is built entirely from
	// full-material admin/publish records. PublicOnly must reduce each
	// to its public half rather than drop it, and a peer must be able
	// to verify a group signed and published by this engine.
	store := newMemStore()
	e := newTestEngine(store, nil, fakeHook{}, nil, newFakeClock(time.Now()), 0)
	ctx := context.Background()

	tok := e.PublishGroup(GroupPublishItem{Privacy: PrivacyPublic})
	e.Tick(ctx)
	gid, ok := e.AcknowledgeGroup(tok)
	require.True(t, ok)

	local := e.groups[gid]
	require.NotEmpty(t, local.Keys, "locally authored group must carry key material")

	pub := local.Keys.PublicOnly()
	admin, ok := pub.AdminKey()
	require.True(t, ok, "public-only key set must still carry the admin key")
	assert.Equal(t, KeyMaterialPublicOnly, admin.Material)
	assert.Len(t, admin.Bytes, 32)

	pubKey, ok := pub.PublishPublicKey()
	require.True(t, ok, "public-only key set must expose a publish-public verifying key")
	assert.Equal(t, KeyMaterialPublicOnly, pubKey.Material)

	wireMeta := *local
	wireMeta.Keys = pub

	peer := newTestEngine(newMemStore(), nil, nil, nil, newFakeClock(time.Now()), 0)
	env := RawGroupEnvelope{
		Payload:    e.groupPayload[gid],
		Meta:       wireMeta,
		Signatures: local.Signatures,
	}
	peer.NotifyNewGroups([][]byte{encodeGroupEnvelope(env)}, "peer")
	peer.Tick(ctx)

	assert.Contains(t, peer.groups, gid, "peer must accept a group signed with the engine's own admin key")
}

func TestCancelledGroupPublishDropped(t *testing.T) {
	// A token cancelled before its tick runs must produce no
	// notification and its group must never appear in the engine's
	// tables (spec §5: cancelled work is dropped, not resurrected).
	store := newMemStore()
	notifier := &fakeNotifier{}
	e := newTestEngine(store, nil, fakeHook{}, notifier, newFakeClock(time.Now()), 0)
	ctx := context.Background()

	tok := e.PublishGroup(GroupPublishItem{Privacy: PrivacyPublic})
	e.Cancel(tok)
	e.Tick(ctx)

	status, ok := e.Status(tok)
	require.True(t, ok)
	assert.Equal(t, TokenCancelled, status)

	_, ok = e.AcknowledgeGroup(tok)
	assert.False(t, ok, "a cancelled publish must never produce an ack")
	assert.Empty(t, e.groups, "a cancelled publish must never be stored locally")
	assert.Zero(t, notifier.count(), "a cancelled publish must raise no notification")
}

func TestCancelledMessagePublishDropped(t *testing.T) {
	store := newMemStore()
	notifier := &fakeNotifier{}
	e := newTestEngine(store, nil, fakeHook{}, notifier, newFakeClock(time.Now()), 0)
	ctx := context.Background()

	gtok := e.PublishGroup(GroupPublishItem{Privacy: PrivacyPublic})
	e.Tick(ctx)
	gid, ok := e.AcknowledgeGroup(gtok)
	require.True(t, ok)

	mtok := e.PublishMessage(MessagePublishItem{GroupID: gid, AuthorID: "id-X", Payload: []byte("hi")})
	e.Cancel(mtok)
	e.Tick(ctx)

	status, ok := e.Status(mtok)
	require.True(t, ok)
	assert.Equal(t, TokenCancelled, status)

	_, _, ok = e.AcknowledgeMessage(mtok)
	assert.False(t, ok, "a cancelled message publish must never produce an ack")
	assert.Empty(t, e.messages, "a cancelled message publish must never be stored locally")
}

func TestAttachedInfoCoveredBySignedBuffer(t *testing.T) {
	// Two messages differing only in AttachedInfo must hash and sign
	// differently: it rides along in the meta buffer like any other
	// field, not as an out-of-band, unauthenticated extra.
	meta := MessageMeta{GroupID: GroupID{1}, PublishTS: time.Now()}
	payload := []byte("payload")

	meta.AttachedInfo = []byte("a")
	bufA := MessageSignedBuffer(payload, meta)

	meta.AttachedInfo = []byte("b")
	bufB := MessageSignedBuffer(payload, meta)

	assert.NotEqual(t, bufA, bufB)
	assert.NotEqual(t, cryptokeys.HashBytes(bufA), cryptokeys.HashBytes(bufB))
}

func adminSignedGroup(t *testing.T, gid GroupID, adminPriv, adminPub []byte, publishTS time.Time) ([]byte, RawGroupEnvelope) {
	t.Helper()
	meta := GroupMeta{
		ID:        gid,
		Privacy:   PrivacyPublic,
		PublishTS: publishTS,
		Keys: KeySet{
			"admin": {Role: KeyRoleAdmin, Material: KeyMaterialPublicOnly, Bytes: adminPub},
		},
	}
	payload := []byte("group-payload")
	buf := GroupSignedBuffer(payload, meta)
	sig, err := signEd25519(adminPriv, buf)
	require.NoError(t, err)
	env := RawGroupEnvelope{Payload: payload, Meta: meta, Signatures: SignatureSet{SigRoleAdmin: sig}}
	return encodeGroupEnvelope(env), env
}

func TestUpdateReplayAndValid(t *testing.T) {
	// S4 (replay, no-op) and S5 (valid update replaces + preserves keys).
	store := newMemStore()
	notifier := &fakeNotifier{}
	e := newTestEngine(store, nil, nil, notifier, newFakeClock(time.Now()), 0)
	ctx := context.Background()

	adminPub, adminPriv, err := edGenerate()
	require.NoError(t, err)

	var gid GroupID
	gid[1] = 9
	base := time.Now()
	raw, env := adminSignedGroup(t, gid, adminPriv, adminPub, base)

	e.NotifyNewGroups([][]byte{raw}, "peer-1")
	e.Tick(ctx)
	require.Contains(t, e.groups, gid)
	require.Equal(t, 1, store.storeGroupCalls)

	// Attach a locally-known private key so we can assert it survives
	// an accepted update (spec: "private keys from previous local copy
	// preserved").
	e.groups[gid].Keys["publish"] = KeyRecord{Role: KeyRolePublishPrivate, Material: KeyMaterialFull, Bytes: []byte("secret")}

	// S4: replay the exact same bytes.
	e.NotifyNewGroups([][]byte{raw}, "peer-1")
	e.Tick(ctx)
	assert.Equal(t, 1, store.storeGroupCalls, "replay must not trigger a store write")
	_, hasPublishKey := e.groups[gid].Keys["publish"]
	assert.True(t, hasPublishKey)

	// S5: a strictly newer, validly re-signed version.
	rawNewer, _ := adminSignedGroup(t, gid, adminPriv, adminPub, base.Add(time.Second))
	_ = env
	e.NotifyNewGroups([][]byte{rawNewer}, "peer-1")
	e.Tick(ctx)

	assert.Equal(t, 2, store.storeGroupCalls, "valid newer update must be stored")
	_, hasPublishKey = e.groups[gid].Keys["publish"]
	assert.True(t, hasPublishKey, "private keys must be preserved across an accepted update")
	assert.True(t, e.groups[gid].PublishTS.After(base))
}

func TestMessageDedup(t *testing.T) {
	// S6: N=3 receive-notifications of the same message across 2 ticks
	// produce exactly one store write and one notification.
	store := newMemStore()
	notifier := &fakeNotifier{}
	e := newTestEngine(store, nil, nil, notifier, newFakeClock(time.Now()), 0)
	ctx := context.Background()

	var gid GroupID
	gid[2] = 3
	store.groups[gid] = Group{Meta: GroupMeta{ID: gid, Status: 0}}
	require.NoError(t, e.Load(ctx))

	meta := MessageMeta{GroupID: gid, PublishTS: time.Now()}
	meta.ID = hashMessage(t, []byte("payload"), meta)
	env := RawMessageEnvelope{Payload: []byte("payload"), Meta: meta}
	raw := encodeMessageEnvelope(env)

	e.NotifyNewMessages([][]byte{raw, raw})
	e.Tick(ctx)
	e.NotifyNewMessages([][]byte{raw})
	e.Tick(ctx)

	assert.Equal(t, 1, store.storeMessageCalls)
	assert.Len(t, e.messages, 1)

	var receiveNotes int
	for _, ev := range notifier.events {
		if ev.Kind == ChangeMessagesUpdated {
			receiveNotes++
		}
	}
	assert.Equal(t, 1, receiveNotes)
}

func TestPublicationTest(t *testing.T) {
	// Testable property 7.
	now := time.Now()
	kept := MessageMeta{Status: MessageKeep, PublishTS: now.Add(-24 * time.Hour)}
	assert.True(t, publicationTest(kept, time.Hour, now))

	fresh := MessageMeta{PublishTS: now}
	assert.True(t, publicationTest(fresh, time.Hour, now))

	expired := MessageMeta{PublishTS: now.Add(-2 * time.Hour)}
	assert.False(t, publicationTest(expired, time.Hour, now))
}

func TestTokenLedgerAckOnce(t *testing.T) {
	l := NewTokenLedger()
	tok := l.Issue()
	var gid GroupID
	gid[0] = 1
	l.SetGroupAck(tok, gid)

	got, ok := l.TakeGroupAck(tok)
	require.True(t, ok)
	assert.Equal(t, gid, got)

	_, ok = l.TakeGroupAck(tok)
	assert.False(t, ok)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, SignSuccess, Aggregate([]SignOutcome{SignSuccess, SignSuccess}))
	assert.Equal(t, SignTryLater, Aggregate([]SignOutcome{SignSuccess, SignTryLater}))
	assert.Equal(t, SignFail, Aggregate([]SignOutcome{SignTryLater, SignFail}))
	assert.Equal(t, SignFail, Aggregate([]SignOutcome{SignFail}))
}
