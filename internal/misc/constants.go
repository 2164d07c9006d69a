package misc

const (
	// KeySize is the symmetric key length in bytes (256 bits).
	KeySize = 32

	// SaltSize is the KDF salt length in bytes.
	SaltSize = 16

	// AuthTagSize is the AEAD authentication tag length in bytes.
	AuthTagSize = 16

	// PBKDF2Iterations Password derivation work factor
	PBKDF2Iterations = 120_000

	// ScryptN Scrypt derivation parameters
	ScryptN = 32768
	ScryptR = 8
	ScryptP = 1

	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// MaxPlaintextSize caps Encrypt input to prevent memory exhaustion
	MaxPlaintextSize = 10 * 1024 * 1024

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + exec
)
