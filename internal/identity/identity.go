// Package identity mints the local node's opaque 16-byte NodeIdentity and
// a human-readable fingerprint for log lines, following the did:key shape
// of the teacher's crypto package but over blake3 instead of P-256.
package identity

import (
	"crypto/rand"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"lukechampine.com/blake3"

	"github.com/cubeoverlay/node/internal/overlay"
)

// fingerprintCodec tags the fingerprint payload as "raw bytes" so the
// multibase string is self-describing without implying any key type.
const fingerprintCodec = multicodec.Raw

// New generates a fresh, randomized NodeIdentity. Called once per process
// start, per spec.md §3.
func New() (overlay.Identity, error) {
	var id overlay.Identity
	if _, err := rand.Read(id[:]); err != nil {
		return overlay.Identity{}, fmt.Errorf("generate node identity: %w", err)
	}
	return id, nil
}

// Fingerprint renders id as a did:key-shaped, multibase/multicodec encoded
// string derived from a blake3 digest of the raw identity bytes. It carries
// no protocol meaning; it exists purely to make identities distinguishable
// and greppable in logs.
func Fingerprint(id overlay.Identity) string {
	sum := blake3.Sum256(id[:])

	header := multicodec.Header(fingerprintCodec)
	payload := append(append([]byte{}, header...), sum[:16]...)

	encoded, err := multibase.Encode(multibase.Base58BTC, payload)
	if err != nil {
		// Base58BTC encoding of a fixed-size byte slice cannot fail.
		return id.String()
	}
	return "node:key:" + encoded
}
