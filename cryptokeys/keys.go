// Package cryptokeys is a reference implementation of the abstract key
// contracts the core assumes (spec §1 Non-goals: "no key-generation
// primitives beyond abstract contracts"). The core's publish and
// receive pipelines and its housekeeping import it for key generation
// (Generate), group ids (KeyID) and content hashes (Hash, HashBytes).
//
// Grounded on relves-ucanlog's pkg/tlog/signer.go and pkg/ucan/issuer.go,
// which both sign with crypto/ed25519 directly rather than through a
// third-party wrapper — the same idiom is used here.
package cryptokeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// KeyPair is a generated ed25519 admin or publish key pair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh ed25519 key pair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs buf with the private half.
func (k KeyPair) Sign(buf []byte) ([]byte, error) {
	if len(k.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("cryptokeys: missing private key material")
	}
	return ed25519.Sign(k.Private, buf), nil
}

// Verify checks sig over buf against a raw ed25519 public key.
func Verify(pub ed25519.PublicKey, buf, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, buf, sig)
}

// KeyID derives the 16-byte identifier used as a group id from an admin
// public key: the first 16 bytes of blake3(pub), matching the on-wire
// invariant in spec §6 that the group id must be bit-stable across
// implementations.
func KeyID(pub ed25519.PublicKey) [16]byte {
	sum := Hash(pub)
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}
