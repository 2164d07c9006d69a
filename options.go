package keystone

import (
	"fmt"

	"southwinds.dev/keystone/internal/crypto"
	"southwinds.dev/keystone/internal/misc"
)

// AEAD cipher identifiers accepted by Options.DefaultAlgorithm.
const (
	AlgorithmAESGCM           = crypto.AlgorithmAESGCM
	AlgorithmChaCha20Poly1305 = crypto.AlgorithmChaCha20Poly1305
)

// Key derivation algorithm identifiers accepted by DerivationConfig and
// Options.ExportKDF.
const (
	KDFPBKDF2SHA256 = crypto.KDFPBKDF2SHA256
	KDFScrypt       = crypto.KDFScrypt
	KDFArgon2id     = crypto.KDFArgon2id
)

// Options configures a Service at construction time. It is read once by
// New and never consulted again on the per-call hot path.
type Options struct {
	// DefaultAlgorithm is the AEAD cipher assigned to generated keys:
	// aes-256-gcm (default) or chacha20-poly1305. Derived keys inherit
	// their master's algorithm instead.
	DefaultAlgorithm string `json:"default_algorithm"`

	// AutoProvision makes Encrypt generate a key when no active key
	// exists for the requested (organization, purpose) pair instead of
	// failing with ErrNoActiveKey.
	//
	// This is a deliberate convenience policy, not a hidden side
	// effect: with it enabled, a first Encrypt call silently creates
	// durable key material for the pair. Deployments that require keys
	// to be provisioned explicitly should leave it off.
	AutoProvision bool `json:"auto_provision"`

	// ExportKDF names the password derivation algorithm used to wrap
	// exported keys: pbkdf2-sha256 (default), scrypt or argon2id.
	ExportKDF string `json:"export_kdf"`

	// MaxPlaintextSize caps Encrypt input in bytes. Zero means the
	// built-in 10MiB limit. The cap prevents memory exhaustion from a
	// single oversized payload.
	MaxPlaintextSize int `json:"max_plaintext_size"`

	// MemoryLock attempts to lock process memory at construction so key
	// material cannot be swapped to disk. Partial protection (for
	// example missing privileges for mlockall) is tolerated and logged.
	MemoryLock bool `json:"memory_lock"`

	// Backing selects the key-backing provider. Nil means the local
	// in-process provider. Never serialized.
	Backing Backing `json:"-"`
}

// DefaultOptions returns the options a typical embedded deployment
// wants: AES-256-GCM keys, auto-provisioning on first encrypt, and
// PBKDF2-wrapped exports.
func DefaultOptions() Options {
	return Options{
		DefaultAlgorithm: AlgorithmAESGCM,
		AutoProvision:    true,
		ExportKDF:        KDFPBKDF2SHA256,
		MaxPlaintextSize: misc.MaxPlaintextSize,
	}
}

// Validate checks the options and fills nothing in; New applies
// defaults for empty fields before calling it.
func (o Options) Validate() error {
	if o.DefaultAlgorithm != "" && !crypto.SupportedAlgorithm(o.DefaultAlgorithm) {
		return fmt.Errorf("unknown default algorithm: %s", o.DefaultAlgorithm)
	}
	if o.ExportKDF != "" && !crypto.SupportedKDF(o.ExportKDF) {
		return fmt.Errorf("unknown export KDF: %s", o.ExportKDF)
	}
	if o.MaxPlaintextSize < 0 {
		return fmt.Errorf("max plaintext size cannot be negative")
	}
	return nil
}

// withDefaults returns a copy with empty fields replaced by defaults.
func (o Options) withDefaults() Options {
	if o.DefaultAlgorithm == "" {
		o.DefaultAlgorithm = AlgorithmAESGCM
	}
	if o.ExportKDF == "" {
		o.ExportKDF = KDFPBKDF2SHA256
	}
	if o.MaxPlaintextSize == 0 {
		o.MaxPlaintextSize = misc.MaxPlaintextSize
	}
	return o
}
