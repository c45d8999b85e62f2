// Package identity is a reference core.IdentityService: it holds
// ed25519 identity key pairs in memory and gates disclosure of a
// private half behind a bearer credential (jwt.go), rather than
// treating "have_private_key" as always-true for anything stored
// locally. A production deployment would back this with a real
// secrets store; this package exists so the exchange core has a
// concrete, testable identity collaborator to plug into core.Engine.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"github.com/ppmesh/exchange-core/corelog"
)

type record struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// LocalIdentity is an in-process core.IdentityService.
type LocalIdentity struct {
	mu    sync.RWMutex
	log   *corelog.Logger
	creds CredentialOptions
	keys  map[string]record

	// unlocked tracks which identity ids currently hold a verified
	// credential, so HavePrivateKey/GetPrivateKey only succeed for a
	// caller that has proven it, per this package's own domain
	// enrichment of the abstract has_key/have_private_key contract.
	unlocked map[string]struct{}
}

func New(log *corelog.Logger, creds CredentialOptions) *LocalIdentity {
	if log == nil {
		log = corelog.Nop()
	}
	return &LocalIdentity{
		log:      log,
		creds:    creds,
		keys:     make(map[string]record),
		unlocked: make(map[string]struct{}),
	}
}

// Generate creates and stores a fresh identity key pair, returning a
// bearer credential that unlocks its private half.
func (l *LocalIdentity) Generate(id string) (token string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.keys[id] = record{pub: pub, priv: priv}
	l.mu.Unlock()
	return l.Unlock(id)
}

// Unlock mints a fresh credential for an already-known identity.
func (l *LocalIdentity) Unlock(id string) (string, error) {
	token, _, _, err := IssueCredential(l.creds, id)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.unlocked[id] = struct{}{}
	l.mu.Unlock()
	return token, nil
}

// Authorize verifies a bearer credential and, if valid, marks the
// identity's private key as disclosable for the lifetime of this
// process; the credential's later expiry does not revoke it.
func (l *LocalIdentity) Authorize(id, token string) error {
	if err := VerifyCredential(l.creds, token, id); err != nil {
		return err
	}
	l.mu.Lock()
	l.unlocked[id] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *LocalIdentity) HasKey(ctx context.Context, id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[id]
	return ok
}

func (l *LocalIdentity) HavePrivateKey(ctx context.Context, id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.keys[id]; !ok {
		return false
	}
	_, unlocked := l.unlocked[id]
	return unlocked
}

func (l *LocalIdentity) GetKey(ctx context.Context, id string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.keys[id]
	if !ok {
		return nil, false
	}
	return []byte(r.pub), true
}

func (l *LocalIdentity) GetPrivateKey(ctx context.Context, id string) ([]byte, bool) {
	if !l.HavePrivateKey(ctx, id) {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	r := l.keys[id]
	return []byte(r.priv), true
}

// RequestKey/RequestPrivateKey are fire-and-forget hints (spec §6):
// this in-process implementation has nothing further to fetch, so it
// only logs — a networked identity service would kick off a peer
// lookup here instead.
func (l *LocalIdentity) RequestKey(ctx context.Context, id string) {
	l.log.Debugf("identity key requested for %s", id)
}

func (l *LocalIdentity) RequestPrivateKey(ctx context.Context, id string) {
	l.log.Debugf("private identity key requested for %s", id)
}
