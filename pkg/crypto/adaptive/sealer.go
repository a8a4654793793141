package adaptive

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrOpen is returned when a sealed value fails authentication or is
// malformed.
var ErrOpen = errors.New("adaptive: cannot open sealed value")

// Sealer encrypts with one cipher and decrypts with any supported one.
// It is safe for concurrent use.
type Sealer struct {
	write    CipherType
	writeTag byte
	aeads    map[byte]cipher.AEAD
}

// NewSealer creates a Sealer for key. An empty write type selects
// Preferred.
func NewSealer(key []byte, write CipherType) (*Sealer, error) {
	if write == "" {
		write = Preferred()
	}
	if !write.Valid() {
		return nil, fmt.Errorf("adaptive: unknown cipher %q", write)
	}
	s := &Sealer{write: write, writeTag: cipherTags[write], aeads: make(map[byte]cipher.AEAD, len(cipherTags))}
	for t, tag := range cipherTags {
		aead, err := newAEAD(t, key)
		if err != nil {
			return nil, err
		}
		s.aeads[tag] = aead
	}
	return s, nil
}

// Cipher returns the cipher used by Seal.
func (s *Sealer) Cipher() CipherType { return s.write }

// Seal encrypts plaintext bound to ad.
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	aead := s.aeads[s.writeTag]
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = s.writeTag
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("adaptive: nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, ad), nil
}

// Open decrypts a value produced by Seal with the same key and ad.
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, ErrOpen
	}
	aead, ok := s.aeads[sealed[0]]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cipher tag %d", ErrOpen, sealed[0])
	}
	body := sealed[1:]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrOpen)
	}
	plain, err := aead.Open(nil, body[:aead.NonceSize()], body[aead.NonceSize():], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

// CipherOf returns the cipher that sealed value.
func CipherOf(sealed []byte) (CipherType, bool) {
	if len(sealed) == 0 {
		return "", false
	}
	for t, tag := range cipherTags {
		if tag == sealed[0] {
			return t, true
		}
	}
	return "", false
}
