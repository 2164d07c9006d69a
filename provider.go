package keystone

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Backing is the pluggable key-backing provider. A real deployment
// implements it against a cloud KMS or HSM so raw material never rests
// in process memory unwrapped; the local implementation below is the
// default and keeps everything in-process.
//
// The provider is selected once at construction via Options and is not
// part of the per-call hot path.
type Backing interface {
	// GenerateRandomBytes draws n cryptographically secure random bytes.
	GenerateRandomBytes(n int) ([]byte, error)

	// WrapKey protects raw material and returns an opaque external
	// reference to it.
	WrapKey(material []byte) (string, error)

	// UnwrapKey recovers raw material from an external reference.
	UnwrapKey(ref string) ([]byte, error)
}

// LocalBacking implements Backing with crypto/rand and reversible
// encoding in place of real wrapping. It provides no protection beyond
// process isolation and exists so the service runs without an external
// KMS.
type LocalBacking struct{}

// NewLocalBacking creates the default in-process key-backing provider.
func NewLocalBacking() Backing {
	return LocalBacking{}
}

func (LocalBacking) GenerateRandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("byte count must be positive")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("randomness source failed: %w", err)
	}
	return buf, nil
}

func (LocalBacking) WrapKey(material []byte) (string, error) {
	if len(material) == 0 {
		return "", errors.New("empty key material")
	}
	return base64.StdEncoding.EncodeToString(material), nil
}

func (LocalBacking) UnwrapKey(ref string) ([]byte, error) {
	material, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid key reference: %w", err)
	}
	return material, nil
}
