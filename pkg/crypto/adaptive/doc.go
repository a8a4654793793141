// Package adaptive seals byte slices with an AEAD cipher chosen per
// machine.
//
// AES-256-GCM is preferred where the CPU accelerates AES, ChaCha20-Poly1305
// elsewhere. Every sealed value starts with a one-byte cipher tag followed
// by the nonce, so a Sealer opens values written by either cipher:
//
//	tag(1) | nonce | ciphertext+tag
//
// Keys come from DeriveKey (HKDF-SHA256) or StretchPassphrase (Argon2id).
package adaptive
