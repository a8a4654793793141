package adaptive

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// MinMasterKeySize is the shortest master key DeriveKey accepts.
const MinMasterKeySize = 16

const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// DeriveKey derives a KeySize key from master for the given context with
// HKDF-SHA256. Distinct contexts yield independent keys.
func DeriveKey(master []byte, context string) ([]byte, error) {
	if len(master) < MinMasterKeySize {
		return nil, fmt.Errorf("adaptive: master key must be at least %d bytes", MinMasterKeySize)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(context)), key); err != nil {
		return nil, fmt.Errorf("adaptive: derive key: %w", err)
	}
	return key, nil
}

// StretchPassphrase turns a passphrase into a KeySize key with Argon2id.
// The salt is derived from saltContext, so every caller using the same
// passphrase and context gets the same key.
func StretchPassphrase(passphrase []byte, saltContext string) []byte {
	salt := sha256.Sum256([]byte(saltContext))
	return argon2.IDKey(passphrase, salt[:16], argon2Time, argon2Memory, argon2Threads, KeySize)
}
