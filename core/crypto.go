package core

import "crypto/ed25519"

// signEd25519/verifyEd25519 operate directly on raw key bytes handed
// back by IdentityService and KeySet records. The pipelines use
// cryptokeys for key generation, key ids and hashing, but signing and
// verification on raw key bytes go through these helpers, which talk
// to crypto/ed25519 the same way relves-ucanlog's signer does.
func signEd25519(priv []byte, buf []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errMissingKey
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), buf), nil
}

func verifyEd25519(pub, buf, sig []byte) bool {
	pub = publicHalf(pub)
	if len(pub) != ed25519.PublicKeySize || sig == nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), buf, sig)
}

// publicHalf trims a KeyRecord.Bytes value down to its leading public
// key: full-material records pack public‖private (see
// publishGroupsTick), public-only records already are just the public
// bytes, so slicing the first 32 bytes is safe either way.
func publicHalf(b []byte) []byte {
	if len(b) > ed25519.PublicKeySize {
		return b[:ed25519.PublicKeySize]
	}
	return b
}
