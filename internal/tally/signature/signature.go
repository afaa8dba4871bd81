// Package signature verifies that a ping was produced by the holder of the
// private key matching the public key it carries.
//
// The signed message binds the public key, the client timestamp and the
// nonce together, so none of them can be swapped without invalidating the
// signature:
//
//	publicKey (32 raw bytes) | '|' | decimal timestamp | '|' | nonce
package signature

import (
	"crypto/ed25519"
	"strconv"
)

// Verifier checks a signature over a message.
type Verifier interface {
	Verify(message, sig, publicKey []byte) bool
}

// Ed25519Verifier verifies Ed25519 signatures.
type Ed25519Verifier struct{}

// Verify reports whether sig is a valid Ed25519 signature of message under
// publicKey. Malformed keys or signatures yield false.
func (Ed25519Verifier) Verify(message, sig, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

// CanonicalMessage builds the byte string that clients sign.
func CanonicalMessage(publicKey []byte, timestamp int64, nonce string) []byte {
	msg := make([]byte, 0, len(publicKey)+len(nonce)+24)
	msg = append(msg, publicKey...)
	msg = append(msg, '|')
	msg = strconv.AppendInt(msg, timestamp, 10)
	msg = append(msg, '|')
	msg = append(msg, nonce...)

	return msg
}

// Sign produces the signature a client attaches to a ping.
func Sign(priv ed25519.PrivateKey, timestamp int64, nonce string) []byte {
	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Sign(priv, CanonicalMessage(pub, timestamp, nonce))
}
