package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/yndnr/snapkeep-go/pkg/crypto/adaptive"
)

// ErrDecryptionFailed is returned when a blob cannot be authenticated.
var ErrDecryptionFailed = errors.New("blob decryption failed: wrong key or corrupted data")

// MinMasterKeyLength is the shortest accepted master key.
const MinMasterKeyLength = adaptive.MinMasterKeySize

// EncryptedStore seals every blob before handing it to the wrapped store.
// The blob key is bound as additional data, so a blob copied under another
// key fails to open. Keys and listings are untouched.
type EncryptedStore struct {
	Store
	sealer *adaptive.Sealer
}

// DeriveRepositoryKey derives the repository data key from a master key.
// Each repository gets its own key so that one leaked repository key does
// not open the others.
func DeriveRepositoryKey(masterKey []byte, repository string) ([]byte, error) {
	return adaptive.DeriveKey(masterKey, "snapkeep-blob:"+repository)
}

// MasterKeyFromPassphrase stretches a passphrase into a master key. The
// salt is fixed per repository so that every node derives the same key
// without coordination.
func MasterKeyFromPassphrase(passphrase []byte, repository string) []byte {
	return adaptive.StretchPassphrase(passphrase, "snapkeep-salt:"+repository)
}

// NewEncryptedStore wraps inner. algorithm selects the cipher used for new
// writes; empty means the fastest one for this machine. Reads accept either.
func NewEncryptedStore(inner Store, key []byte, algorithm adaptive.CipherType) (*EncryptedStore, error) {
	sealer, err := adaptive.NewSealer(key, algorithm)
	if err != nil {
		return nil, fmt.Errorf("blobstore: %w", err)
	}
	return &EncryptedStore{Store: inner, sealer: sealer}, nil
}

// Read implements Store.
func (s *EncryptedStore) Read(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.Store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := s.sealer.Open(sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, key)
	}
	return plain, nil
}

// WriteAtomic implements Store.
func (s *EncryptedStore) WriteAtomic(ctx context.Context, key string, data []byte, failIfExists bool) error {
	sealed, err := s.sealer.Seal(data, []byte(key))
	if err != nil {
		return fmt.Errorf("blobstore: encrypt %s: %w", key, err)
	}
	return s.Store.WriteAtomic(ctx, key, sealed, failIfExists)
}
