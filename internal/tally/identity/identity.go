// Package identity turns a client's public key into the anonymous identifier
// that is fed to the estimators.
//
// Derivation is deterministic (the same key always yields the same
// identifier, which is what makes de-duplication work) and one-way (the
// identifier cannot be turned back into the key). Only the derived value
// ever reaches the cardinality estimators or the membership filter.
//
// Two modes exist and a deployment must pick one for its whole lifetime,
// since identifiers from different modes never match:
//
//   - hmac: HMAC-SHA256 keyed with a server secret. Without the secret an
//     observer of persisted sketches cannot test whether a known public key
//     is present. The secret is held in locked, guarded memory.
//   - hash: BLAKE2b-256 of a fixed domain prefix and the key. Anyone can
//     recompute identifiers, which is what allows third parties to audit the
//     published sketches.
package identity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/godaddy/asherah/go/securememory"
	"golang.org/x/crypto/blake2b"
)

// Mode selects the derivation function.
type Mode string

const (
	ModeHMAC Mode = "hmac"
	ModeHash Mode = "hash"
)

// hashDomain separates identifiers from any other BLAKE2b use of the same
// public keys.
const hashDomain = "tally/identity/v1|"

var (
	// ErrMissingSecret is returned when hmac mode is configured without a
	// secret.
	ErrMissingSecret = errors.New("identity: server secret is required in hmac mode")

	// ErrUnknownMode is returned for a mode other than hmac or hash.
	ErrUnknownMode = errors.New("identity: unknown mode")
)

// Deriver maps a public key to its anonymous identifier.
type Deriver interface {
	Derive(publicKey []byte) ([]byte, error)
	Mode() Mode
	Close() error
}

// New builds the deriver for mode. In hmac mode the secret is moved into a
// protected buffer created by factory and the caller's slice is wiped.
func New(mode Mode, secret []byte, factory securememory.SecretFactory) (Deriver, error) {
	switch mode {
	case ModeHMAC:
		d, err := NewKeyed(factory, secret)
		if err != nil {
			return nil, err
		}
		return d, nil
	case ModeHash:
		return HashedDeriver{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// KeyedDeriver derives identifiers with HMAC-SHA256 under a server secret.
type KeyedDeriver struct {
	secret securememory.Secret
}

// NewKeyed moves secret into protected memory. The caller's slice is wiped
// whether or not the call succeeds.
func NewKeyed(factory securememory.SecretFactory, secret []byte) (*KeyedDeriver, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}

	s, err := factory.New(secret)
	if err != nil {
		return nil, fmt.Errorf("identity: protect secret: %w", err)
	}

	return &KeyedDeriver{secret: s}, nil
}

// Derive returns HMAC-SHA256(secret, publicKey).
func (d *KeyedDeriver) Derive(publicKey []byte) ([]byte, error) {
	return d.secret.WithBytesFunc(func(key []byte) ([]byte, error) {
		mac := hmac.New(sha256.New, key)
		mac.Write(publicKey)
		return mac.Sum(nil), nil
	})
}

func (d *KeyedDeriver) Mode() Mode {
	return ModeHMAC
}

// Close wipes and releases the secret. Derive fails afterwards.
func (d *KeyedDeriver) Close() error {
	return d.secret.Close()
}

// HashedDeriver derives identifiers with unkeyed BLAKE2b-256.
type HashedDeriver struct{}

// Derive returns BLAKE2b-256(domain || publicKey).
func (HashedDeriver) Derive(publicKey []byte) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	h.Write([]byte(hashDomain))
	h.Write(publicKey)

	return h.Sum(nil), nil
}

func (HashedDeriver) Mode() Mode {
	return ModeHash
}

func (HashedDeriver) Close() error {
	return nil
}

// ReadSecret returns the configured secret: value if set, otherwise the
// contents of path with surrounding whitespace removed. It returns an empty
// slice when neither is set.
func ReadSecret(value, path string) ([]byte, error) {
	if value != "" {
		return []byte(value), nil
	}

	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read secret file: %w", err)
	}

	return bytes.TrimSpace(raw), nil
}
