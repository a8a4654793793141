package adaptive

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the key length every cipher here takes.
const KeySize = 32

// CipherType identifies the cipher algorithm.
type CipherType string

const (
	CipherAESGCM   CipherType = "aes-gcm"
	CipherChaCha20 CipherType = "chacha20-poly1305"
)

// The tag byte is persisted; never renumber.
var cipherTags = map[CipherType]byte{
	CipherAESGCM:   1,
	CipherChaCha20: 2,
}

// Types lists the supported ciphers.
func Types() []CipherType { return []CipherType{CipherAESGCM, CipherChaCha20} }

// Valid reports whether t names a supported cipher.
func (t CipherType) Valid() bool {
	_, ok := cipherTags[t]
	return ok
}

// Preferred returns the faster cipher for this machine. Go uses AES
// instructions on amd64 and arm64.
func Preferred() CipherType {
	switch runtime.GOARCH {
	case "amd64", "arm64", "s390x":
		return CipherAESGCM
	default:
		return CipherChaCha20
	}
}

func newAEAD(t CipherType, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("adaptive: key must be %d bytes, got %d", KeySize, len(key))
	}
	switch t {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("adaptive: unknown cipher %q", t)
	}
}
