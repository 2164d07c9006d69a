package keystone

import "errors"

// Typed failures surfaced by the public operations. Callers should test
// with errors.Is; the service never leaks raw cryptographic library
// errors through these.
var (
	// ErrKeyNotFound is returned when a key ID does not resolve to any
	// record in the key store.
	ErrKeyNotFound = errors.New("key not found")

	// ErrMasterKeyNotFound is returned by Derive when the referenced
	// master key does not exist.
	ErrMasterKeyNotFound = errors.New("master key not found")

	// ErrKeyUnavailable is returned when a key exists but its status
	// does not permit the requested operation (revoked or expired keys
	// cannot decrypt).
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrUnsupportedDerivation is returned by Derive for an unrecognized
	// derivation algorithm name.
	ErrUnsupportedDerivation = errors.New("unsupported derivation algorithm")

	// ErrDecryptionFailed is returned for any authentication or cipher
	// failure during Decrypt. Tag mismatch, corrupted ciphertext and
	// wrong key material are deliberately indistinguishable so the
	// error cannot be used as a decryption oracle.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrImportDecryption is returned by ImportKey when the wrapped key
	// cannot be opened. A wrong password surfaces as an authentication
	// failure, indistinguishable from a corrupted payload.
	ErrImportDecryption = errors.New("import decryption failed")

	// ErrNoActiveKey is returned when an operation requires an active
	// key for an (organization, purpose) pair and none exists.
	ErrNoActiveKey = errors.New("no active key")

	// ErrKeyGeneration is returned when the randomness source fails.
	// This is fatal to key generation and should propagate loudly.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrKeyExists is returned by ImportKey when a record with the same
	// key ID is already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrServiceClosed is returned by every operation after Close.
	ErrServiceClosed = errors.New("service is closed")

	// ErrInvalidInput is returned for malformed parameters before any
	// state is touched.
	ErrInvalidInput = errors.New("invalid input")
)
