package aid

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// hkdfSigningInfo namespaces the HKDF expansion so a seed derived for
// signing can never collide with a seed derived for some other purpose from
// the same mnemonic.
const hkdfSigningInfo = "agentmesh/identity/signing/v1"

// ErrInvalidMnemonic is returned when a recovery phrase fails BIP-39
// checksum validation.
var ErrInvalidMnemonic = errors.New("aid: invalid recovery phrase")

// GenerateMnemonic creates a fresh 256-bit-entropy, 24-word BIP-39 recovery
// phrase and derives the Ed25519 key pair it encodes. Re-deriving from the
// returned mnemonic with DeriveFromMnemonic always yields the same key
// pair.
func GenerateMnemonic() (mnemonic string, keys *KeyPair, err error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, err
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}
	keys, err = DeriveFromMnemonic(mnemonic)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, keys, nil
}

// DeriveFromMnemonic deterministically re-derives the Ed25519 key pair
// encoded by a BIP-39 mnemonic (empty passphrase). It fails with
// ErrInvalidMnemonic if the phrase does not pass the BIP-39 checksum.
func DeriveFromMnemonic(mnemonic string) (*KeyPair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seedBytes := bip39.NewSeed(mnemonic, "")
	signingSeed, err := hkdfExpand(seedBytes, hkdfSigningInfo, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return FromSeed(signingSeed)
}

func hkdfExpand(secret []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
