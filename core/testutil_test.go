package core

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppmesh/exchange-core/cryptokeys"
)

// fakeClock lets tests advance time deterministically instead of
// sleeping, mirroring how the teacher's ConnManager tests drive a
// synthetic ticker rather than real time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is an in-memory Store used by every core test; it also
// counts calls so tests can assert on write amplification (S6).
type memStore struct {
	mu       sync.Mutex
	groups   map[GroupID]Group
	messages map[MessageID]Message

	storeGroupCalls   int
	storeMessageCalls int
}

func newMemStore() *memStore {
	return &memStore{groups: make(map[GroupID]Group), messages: make(map[MessageID]Message)}
}

func (s *memStore) RetrieveGroups(ctx context.Context, ids []GroupID) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		out := make([]Group, 0, len(s.groups))
		for _, g := range s.groups {
			out = append(out, g)
		}
		return out, nil
	}
	var out []Group
	for _, id := range ids {
		if g, ok := s.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memStore) StoreGroups(ctx context.Context, groups []Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeGroupCalls++
	for _, g := range groups {
		s.groups[g.Meta.ID] = g
	}
	return nil
}

func (s *memStore) DeleteGroups(ctx context.Context, ids []GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.groups, id)
	}
	return nil
}

func (s *memStore) RetrieveMessages(ctx context.Context, group GroupID, ids []MessageID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) StoreMessages(ctx context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeMessageCalls++
	for _, m := range msgs {
		s.messages[m.Meta.ID] = m
	}
	return nil
}

func (s *memStore) DeleteMessages(ctx context.Context, group GroupID, ids []MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.messages, id)
	}
	return nil
}

func (s *memStore) UpdateGroupMeta(ctx context.Context, id GroupID, meta GroupMeta) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return 0, nil
	}
	g.Meta = meta
	s.groups[id] = g
	return 1, nil
}

func (s *memStore) UpdateMessageMeta(ctx context.Context, group GroupID, id MessageID, meta MessageMeta) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return 0, nil
	}
	m.Meta = meta
	s.messages[id] = m
	return 1, nil
}

func (s *memStore) ValidSize(ctx context.Context, addBytes int64) (bool, error) { return true, nil }

// fakeDeserializer treats the raw bytes as a JSON envelope directly,
// standing in for the network/sync layer's real wire codec.
type fakeDeserializer struct{}

func (fakeDeserializer) DeserializeGroup(raw []byte) (RawGroupEnvelope, error) {
	var env RawGroupEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RawGroupEnvelope{}, err
	}
	return env, nil
}

func (fakeDeserializer) DeserializeMessage(raw []byte) (RawMessageEnvelope, error) {
	var env RawMessageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RawMessageEnvelope{}, err
	}
	return env, nil
}

func encodeGroupEnvelope(env RawGroupEnvelope) []byte {
	buf, _ := json.Marshal(env)
	return buf
}

func encodeMessageEnvelope(env RawMessageEnvelope) []byte {
	buf, _ := json.Marshal(env)
	return buf
}

// fakeIdentity is a scriptable IdentityService: tests preload whether a
// given identity id "has" or "has private" a key, and can flip that
// after N calls to exercise the try-later retry path.
type fakeIdentity struct {
	mu   sync.Mutex
	pub  map[string]ed25519.PublicKey
	priv map[string]ed25519.PrivateKey

	requestPrivateCalls map[string]int
	requestCalls        map[string]int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		pub:                 make(map[string]ed25519.PublicKey),
		priv:                make(map[string]ed25519.PrivateKey),
		requestPrivateCalls: make(map[string]int),
		requestCalls:        make(map[string]int),
	}
}

func (f *fakeIdentity) addIdentity(id string) ed25519.PrivateKey {
	pub, priv, _ := ed25519.GenerateKey(nil)
	f.mu.Lock()
	f.pub[id] = pub
	f.priv[id] = priv
	f.mu.Unlock()
	return priv
}

func (f *fakeIdentity) HasKey(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pub[id]
	return ok
}

func (f *fakeIdentity) HavePrivateKey(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.priv[id]
	return ok
}

func (f *fakeIdentity) GetKey(ctx context.Context, id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pub[id]
	if !ok {
		return nil, false
	}
	return []byte(p), true
}

func (f *fakeIdentity) GetPrivateKey(ctx context.Context, id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.priv[id]
	if !ok {
		return nil, false
	}
	return []byte(p), true
}

func (f *fakeIdentity) RequestKey(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCalls[id]++
}

func (f *fakeIdentity) RequestPrivateKey(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestPrivateCalls[id]++
}

func (f *fakeIdentity) PrivateKeyRequestCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestPrivateCalls[id]
}

// fakeHook is a ServiceHook that always succeeds immediately, filling
// in a fixed payload.
type fakeHook struct{}

func (fakeHook) ServiceCreateGroup(ctx context.Context, item *GroupPublishItem, keys KeySet) HookOutcome {
	if item.Payload == nil {
		item.Payload = []byte("payload")
	}
	return HookSuccess
}

func (fakeHook) ServiceTick(ctx context.Context) {}

// fakeNotifier records delivered change events for assertions.
type fakeNotifier struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (n *fakeNotifier) NotifyNewGroups(ctx context.Context, groups []Group) error   { return nil }
func (n *fakeNotifier) NotifyNewMessages(ctx context.Context, msgs []Message) error { return nil }
func (n *fakeNotifier) NotifyChanges(ctx context.Context, event ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

var errBoom = errors.New("boom")

func edGenerate() (pub, priv []byte, err error) {
	p, s, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	return []byte(p), []byte(s), nil
}

func hashMessage(t *testing.T, payload []byte, meta MessageMeta) MessageID {
	t.Helper()
	return cryptokeys.Hash(MessageSignedBuffer(payload, meta))
}

func newTestEngine(store *memStore, identity IdentityService, hook ServiceHook, notifier Notifier, clock Clock, policy AuthPolicy) *Engine {
	return New(Config{
		Store:        store,
		Identity:     identity,
		Deserializer: fakeDeserializer{},
		Notifier:     notifier,
		ServiceHook:  hook,
		Policy:       policy,
		Clock:        clock,
	})
}
