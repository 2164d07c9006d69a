package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
	"southwinds.dev/keystone/internal/misc"
)

// AEAD cipher identifiers understood by NewAEAD.
const (
	AlgorithmAESGCM           = "aes-256-gcm"
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"
)

// Key derivation algorithm identifiers understood by DeriveKey.
const (
	KDFPBKDF2SHA256 = "pbkdf2-sha256"
	KDFScrypt       = "scrypt"
	KDFArgon2id     = "argon2id"
)

// NewAEAD constructs the AEAD cipher for the given algorithm identifier
// and a 256-bit key.
func NewAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("invalid key size %d, want %d", len(key), misc.KeySize)
	}
	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown cipher algorithm: %s", algorithm)
	}
}

// SupportedAlgorithm reports whether the AEAD algorithm identifier is known.
func SupportedAlgorithm(algorithm string) bool {
	return algorithm == AlgorithmAESGCM || algorithm == AlgorithmChaCha20Poly1305
}

// SupportedKDF reports whether the derivation algorithm identifier is known.
func SupportedKDF(algorithm string) bool {
	switch algorithm {
	case KDFPBKDF2SHA256, KDFScrypt, KDFArgon2id:
		return true
	}
	return false
}

// Seal encrypts plaintext under key with a fresh random nonce and returns
// nonce, ciphertext and the detached authentication tag separately.
func Seal(algorithm string, key, plaintext []byte) (nonce, ciphertext, tag []byte, err error) {
	aead, err := NewAEAD(algorithm, key)
	if err != nil {
		return nil, nil, nil, err
	}

	// Generate a random nonce, never reused with the same key
	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	// Detach the trailing authentication tag
	split := len(sealed) - aead.Overhead()
	return nonce, sealed[:split], sealed[split:], nil
}

// Open verifies the tag and decrypts ciphertext. Any failure is reported
// as a single generic error so callers cannot distinguish tag mismatch
// from corrupted input.
func Open(algorithm string, key, nonce, ciphertext, tag []byte) ([]byte, error) {
	aead, err := NewAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("authentication failed")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("authentication failed")
	}
	return plaintext, nil
}

// DeriveKey derives a 256-bit key from a secret and salt using the named
// derivation algorithm. Derivation is deterministic for a given
// (secret, salt, algorithm) triple.
func DeriveKey(algorithm string, secret, salt []byte) ([]byte, error) {
	switch algorithm {
	case KDFPBKDF2SHA256:
		return pbkdf2.Key(secret, salt, misc.PBKDF2Iterations, misc.KeySize, sha256.New), nil
	case KDFScrypt:
		key, err := scrypt.Key(secret, salt, misc.ScryptN, misc.ScryptR, misc.ScryptP, misc.KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt derivation failed: %w", err)
		}
		return key, nil
	case KDFArgon2id:
		return argon2.IDKey(secret, salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen), nil
	default:
		return nil, fmt.Errorf("unknown derivation algorithm: %s", algorithm)
	}
}

// DeriveKeyProtected derives a key and returns it in a memguard locked
// buffer, wiping the intermediate copy.
func DeriveKeyProtected(algorithm string, secret, salt []byte) (*memguard.LockedBuffer, error) {
	derived, err := DeriveKey(algorithm, secret, salt)
	if err != nil {
		return nil, err
	}

	// Protect the derived key immediately
	protected := memguard.NewBufferFromBytes(derived)

	// Wipe the unprotected copy
	memguard.WipeBytes(derived)

	return protected, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey rejects key material with obviously insufficient entropy.
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	// Check for all same byte (covers all zeros)
	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	// Should have reasonable variety (at least 16 different byte values)
	return len(uniqueBytes) < 16
}
