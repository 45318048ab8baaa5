// Package canonical provides canonical-CBOR encoding and content hashing for
// every hashed artifact in the kernel.
//
// Per spec §3 - Canonical CBOR: maps sorted by key, definite lengths, no
// indefinite encodings, no duplicate keys. All hashes in the system are taken
// over this canonical form.
//
// Grounded on the teacher's RFC 8785 JCS encoder (pkg/canonicalize/jcs.go) —
// same "marshal to intermediate form, then re-encode canonically" strategy,
// retargeted from JSON to CBOR because the spec's hash preimages are CBOR.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Hash is a 32-byte content digest, canonical hex encoded per spec §3.
type Hash [32]byte

// ParseHash parses a hex-encoded hash. Returns a wrapped fmt error (not a
// kernelerrors value) on malformed input.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 64 {
		return h, fmt.Errorf("canonical: hash must be 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("canonical: invalid hash hex: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	opts := cbor.CanonicalEncOptions()
	// Canonical CBOR per spec: definite lengths only, no duplicate keys,
	// sorted map keys (CanonicalEncOptions sorts by RFC 7049 canonical order:
	// shorter encoded keys first, then bytewise lexicographic among equal lengths).
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("canonical: failed to build encoder: %v", err))
	}
	encMode = m

	dopts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		IndefLength:    cbor.IndefLengthForbidden,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canonical: failed to build decoder: %v", err))
	}
	decMode = dm
}

// Encode produces the canonical CBOR bytes for v.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode failed: %w", err)
	}
	return b, nil
}

// Decode decodes canonical CBOR bytes, rejecting indefinite-length items and
// duplicate map keys. A CBOR map decoded into an interface value becomes a
// map[string]any.
func Decode(b []byte, out any) error {
	if err := decMode.Unmarshal(b, out); err != nil {
		return fmt.Errorf("canonical: decode failed: %w", err)
	}
	return nil
}

// HashBytes computes the content hash of raw bytes (used for blob addressing).
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// HashValue canonically encodes v and returns its content hash (used for node
// addressing, intent hashes, idempotency keys, and manifest hashes).
func HashValue(v any) (Hash, error) {
	b, err := Encode(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// Roundtrip re-encodes a decoded value and asserts the result is byte-identical
// to the input, enforcing the store's "any round-trip is byte-identical"
// invariant (spec §3).
func Roundtrip(b []byte, out any) error {
	if err := Decode(b, out); err != nil {
		return err
	}
	re, err := Encode(out)
	if err != nil {
		return err
	}
	if string(re) != string(b) {
		return fmt.Errorf("canonical: round-trip mismatch, input is not canonical CBOR")
	}
	return nil
}
