package aid

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
)

// ErrInvalidHex is returned when a hex-encoded key or signature field does
// not match the expected length or alphabet described in §3/§4.3: lowercase
// hex only, fixed byte length per field.
var ErrInvalidHex = errors.New("aid: invalid hex encoding")

// PublicKeyHex renders a 32-byte public key as 64 lowercase hex characters.
func PublicKeyHex(pub []byte) string {
	return hex.EncodeToString(pub)
}

// DecodePublicKeyHex parses a 64-character lowercase hex string into a
// 32-byte public key, rejecting uppercase digits and wrong lengths.
func DecodePublicKeyHex(s string) ([]byte, error) {
	return decodeFixedHex(s, ed25519.PublicKeySize)
}

// SignatureHex renders a 64-byte Ed25519 signature as 128 lowercase hex
// characters.
func SignatureHex(sig []byte) string {
	return hex.EncodeToString(sig)
}

// DecodeSignatureHex parses a 128-character lowercase hex string into a
// 64-byte signature.
func DecodeSignatureHex(s string) ([]byte, error) {
	return decodeFixedHex(s, ed25519.SignatureSize)
}

func decodeFixedHex(s string, wantLen int) ([]byte, error) {
	if len(s) != wantLen*2 || !isLowerHex(s) {
		return nil, ErrInvalidHex
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidHex
	}
	return b, nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
