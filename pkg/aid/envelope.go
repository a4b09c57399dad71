package aid

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope is a password-sealed container for private key bytes at rest,
// so a host process can persist an identity across restarts without
// keeping plaintext key material in a config file or database row.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

const (
	envelopeVersion  = 1
	argonTime        = uint32(2)
	argonMemoryKB    = uint32(64 * 1024)
	argonThreads     = uint8(1)
	envelopeSaltSize = 16
)

// ErrWrongPassphrase is returned by Open when decryption authentication
// fails, which is indistinguishable (by design) from a corrupted envelope.
var ErrWrongPassphrase = errors.New("aid: wrong passphrase or corrupted envelope")

// Seal encrypts keyBytes under a key derived from passphrase via Argon2id,
// using XChaCha20-Poly1305 for authenticated encryption.
func Seal(keyBytes, passphrase []byte) (*Envelope, error) {
	salt := make([]byte, envelopeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemoryKB, argonThreads, chacha20poly1305.KeySize)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, keyBytes, nil)
	return &Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     argonTime,
		KDFMemoryKB: argonMemoryKB,
		KDFThreads:  argonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, nil
}

// Open decrypts an Envelope produced by Seal. It returns ErrWrongPassphrase
// on any authentication failure, never partial plaintext.
func Open(env *Envelope, passphrase []byte) ([]byte, error) {
	if env == nil {
		return nil, errors.New("aid: nil envelope")
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("aid: unsupported envelope version %d", env.Version)
	}
	key := argon2.IDKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
