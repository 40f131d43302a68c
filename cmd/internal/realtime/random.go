package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

const defaultRandomBytes = 16

// NewRandomHex returns nBytes of cryptographic randomness, hex-encoded to
// 2*nBytes characters. nBytes <= 0 falls back to 16. Session and envelope ids
// come from here; they carry no authority, only traceability.
//
// A crypto/rand failure yields "" — logs and acks then show the empty id,
// which is the signal to look at the host's entropy source.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = defaultRandomBytes
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
