// Package aid implements the identity kernel: Ed25519 key generation and
// validation, and the self-certifying agent identifier ("AID") derived from
// a public key. An AID has the literal shape
//
//	did:key:z<base58btc(0xED 0x01 || publicKey32)>
//
// so any holder of the AID string alone can recover the public key it
// asserts, without a network lookup or a certificate authority.
package aid

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

// ed25519MulticodecPrefix is the multicodec tag for an Ed25519 public key
// (0xed) in unsigned-varint form: since 0xed >= 0x80 the varint takes two
// bytes, 0xED 0x01.
var ed25519MulticodecPrefix = [2]byte{0xED, 0x01}

const (
	didKeyPrefix = "did:key:z"
	// minAIDTailLen is the minimum total length of the tail after
	// "did:key:" (the leading "z" plus the base58btc digits), including
	// that "z". A 34-byte multicodec-prefixed Ed25519 public key always
	// base58-encodes to 47 characters, since the prefix's leading byte
	// (0xED) is high enough to rule out the leading-zero-byte shrinkage
	// base58 would otherwise cause; the "z" brings the tail to 48.
	minAIDTailLen = 48
)

// ErrInvalidKey is returned whenever key bytes fail the validity predicate
// for their kind (wrong length, or all-zero).
var ErrInvalidKey = errors.New("aid: invalid key material")

// ErrInvalidAID is returned when an AID string fails to parse: bad prefix,
// bad base58btc alphabet, bad multicodec tag, or wrong decoded length.
var ErrInvalidAID = errors.New("aid: invalid agent identifier")

// ErrUnsupportedMethod is returned by ParseAID for any DID method other than
// "key".
var ErrUnsupportedMethod = errors.New("aid: unsupported DID method")

// KeyPair holds a generated or imported Ed25519 identity. Both fields are
// the 32-byte wire form described in §3: PrivateKey is the Ed25519 seed, not
// the standard library's 64-byte expanded form. PrivateKey is secret:
// callers MUST NOT log it, and should call Zero once it is no longer
// needed.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey // 32-byte seed
}

// Zero overwrites the private key bytes in place. It does not guarantee the
// Go runtime has not copied the bytes elsewhere (e.g. during a prior GC
// move), but it removes the one copy this package controls directly.
func (k *KeyPair) Zero() {
	if k == nil {
		return
	}
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
}

// AID returns the self-certifying identifier for this key pair's public key.
func (k *KeyPair) AID() (string, error) {
	return PublicKeyToAID(k.PublicKey)
}

// Sign computes an Ed25519 signature over msg using this key pair's private
// seed.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(k.PrivateKey), msg)
}

// Generate creates a new key pair from a cryptographically secure random
// source.
func Generate() (*KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// FromSeed builds a key pair from an existing 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if !IsValidPrivateKey(seed) {
		return nil, ErrInvalidKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, err := DerivePublic(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PublicKey:  pub,
		PrivateKey: append(ed25519.PrivateKey(nil), seed...),
	}, nil
}

// DerivePublic recomputes the public key embedded in a standard-library
// 64-byte Ed25519 private key (seed || public key).
func DerivePublic(priv ed25519.PrivateKey) (ed25519.PublicKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// IsValidPrivateKey reports whether priv is a 32-byte seed that is not
// all-zero. This is the "private key" shape used at the wire/storage
// boundary (§3); the standard library's ed25519.PrivateKey (64 bytes,
// seed || public key) is expanded from it via ed25519.NewKeyFromSeed.
func IsValidPrivateKey(priv []byte) bool {
	return len(priv) == ed25519.SeedSize && !isAllZero(priv)
}

// IsValidPublicKey reports whether pub is a 32-byte key that is not
// all-zero.
func IsValidPublicKey(pub []byte) bool {
	return len(pub) == ed25519.PublicKeySize && !isAllZero(pub)
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// PublicKeyToAID derives the textual AID for a 32-byte Ed25519 public key.
func PublicKeyToAID(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidKey
	}
	payload := make([]byte, 0, len(ed25519MulticodecPrefix)+len(pub))
	payload = append(payload, ed25519MulticodecPrefix[:]...)
	payload = append(payload, pub...)
	return didKeyPrefix + base58.Encode(payload), nil
}

// AIDToPublicKey recovers the 32-byte public key embedded in an AID.
func AIDToPublicKey(did string) ([]byte, error) {
	parsed, err := ParseAID(did)
	if err != nil {
		return nil, err
	}
	return parsed.PublicKey, nil
}

// ParsedAID is the decoded form of an AID string.
type ParsedAID struct {
	Method    string
	PublicKey []byte
}

// ParseAID decodes an AID string into its method and embedded public key.
// Only method "key" is currently supported; any other shape fails with
// ErrUnsupportedMethod (for a well-formed "did:<other>:..." string) or
// ErrInvalidAID (for anything else).
func ParseAID(did string) (ParsedAID, error) {
	const genericPrefix = "did:"
	if !strings.HasPrefix(did, genericPrefix) {
		return ParsedAID{}, ErrInvalidAID
	}
	rest := did[len(genericPrefix):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return ParsedAID{}, ErrInvalidAID
	}
	method, tail := parts[0], parts[1]
	if method != "key" {
		return ParsedAID{}, ErrUnsupportedMethod
	}
	if !strings.HasPrefix(tail, "z") || len(tail) < minAIDTailLen {
		return ParsedAID{}, ErrInvalidAID
	}
	b58 := tail[1:]
	if !isBase58BTC(b58) {
		return ParsedAID{}, ErrInvalidAID
	}
	decoded, err := base58.Decode(b58)
	if err != nil {
		return ParsedAID{}, ErrInvalidAID
	}
	if len(decoded) != len(ed25519MulticodecPrefix)+ed25519.PublicKeySize {
		return ParsedAID{}, ErrInvalidAID
	}
	if decoded[0] != ed25519MulticodecPrefix[0] || decoded[1] != ed25519MulticodecPrefix[1] {
		return ParsedAID{}, ErrInvalidAID
	}
	pub := append([]byte(nil), decoded[2:]...)
	return ParsedAID{Method: "key", PublicKey: pub}, nil
}

// IsValidAID is a total predicate: it returns false for any malformed input
// instead of propagating an error, for callers that just need a boolean
// gate (e.g. directory registration).
func IsValidAID(did string) bool {
	_, err := ParseAID(did)
	return err == nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func isBase58BTC(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if strings.IndexRune(base58Alphabet, r) < 0 {
			return false
		}
	}
	return true
}
