package cryptokeys

import "lukechampine.com/blake3"

// Hash computes the content hash used for group/message content hashes
// and for the periodic integrity check's recomputation (spec §4.7). A
// fixed 32-byte blake3 digest, grounded on the content-addressed hashing
// relves-ucanlog carries in its go.mod for log-entry integrity.
func Hash(buf []byte) [32]byte {
	return blake3.Sum256(buf)
}

// HashBytes is the []byte-returning form used where the caller wants to
// persist or compare a variable-length digest without pinning the array
// size in its own type (e.g. the ContentHash field on stored meta).
func HashBytes(buf []byte) []byte {
	sum := Hash(buf)
	return sum[:]
}
