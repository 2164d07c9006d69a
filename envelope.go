package keystone

import (
	"encoding/base64"
	"fmt"
	"time"

	"southwinds.dev/keystone/internal/crypto"
)

// EnvelopeMetadata describes the context an envelope was produced in.
// It travels with the ciphertext so downstream storage can route and
// audit without decrypting.
type EnvelopeMetadata struct {
	Purpose        KeyPurpose `json:"purpose"`
	OrganizationID string     `json:"organization_id"`
	DataType       string     `json:"data_type,omitempty"`
	EncryptedAt    time.Time  `json:"encrypted_at"`
}

// EncryptedEnvelope is a self-describing ciphertext: everything needed
// to decrypt it later (key reference, algorithm, nonce and
// authentication tag) rides alongside the encrypted payload.
//
// Ciphertext, IV and AuthTag are standard base64 so the envelope can be
// stored in any text column or JSON document. Downstream storage must
// preserve the field layout byte-for-byte to remain decryptable.
type EncryptedEnvelope struct {
	Ciphertext string           `json:"ciphertext"`
	KeyID      string           `json:"key_id"`
	KeyVersion int              `json:"key_version"`
	Algorithm  string           `json:"algorithm"`
	IV         string           `json:"iv"`
	AuthTag    string           `json:"auth_tag"`
	Metadata   EnvelopeMetadata `json:"metadata"`
}

// Encrypt encrypts plaintext under the active key for the
// (organization, purpose) pair and returns a self-describing envelope.
//
// ENCRYPTION ALGORITHM:
// - Cipher: AES-256-GCM by default, ChaCha20-Poly1305 per key algorithm
// - Key Size: 256 bits (32 bytes)
// - Nonce: randomly generated per call, never reused with the same key
// - Authentication: 128-bit tag over the full plaintext
//
// KEY RESOLUTION:
// The active key for the pair is resolved through the key store. When
// none exists and Options.AutoProvision is enabled, a key is generated
// on the spot. Note that this creates durable key material as a side
// effect of an encrypt call; see Options.AutoProvision. With
// auto-provisioning disabled the call fails with ErrNoActiveKey.
//
// Thread Safety:
//
//	Safe for concurrent use. Key resolution happens under the service
//	read lock; the cipher then runs on a private copy of the material,
//	so a concurrent rotation cannot corrupt an encrypt in flight.
func (s *Service) Encrypt(plaintext []byte, organizationID string, purpose KeyPurpose, dataType string) (*EncryptedEnvelope, error) {
	if err := validateOrgAndPurpose(organizationID, purpose); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrInvalidInput)
	}

	// Max size check to prevent DoS
	if len(plaintext) > s.options.MaxPlaintextSize {
		return nil, fmt.Errorf("%w: plaintext exceeds %d bytes", ErrInvalidInput, s.options.MaxPlaintextSize)
	}

	key, err := s.resolveEncryptionKey(organizationID, purpose)
	if err != nil {
		return nil, err
	}
	defer wipe(key.Material)

	nonce, ciphertext, tag, err := crypto.Seal(key.Algorithm, key.Material, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	return &EncryptedEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:      key.KeyID,
		KeyVersion: key.KeyVersion,
		Algorithm:  key.Algorithm,
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Metadata: EnvelopeMetadata{
			Purpose:        purpose,
			OrganizationID: organizationID,
			DataType:       dataType,
			EncryptedAt:    s.now().UTC(),
		},
	}, nil
}

// resolveEncryptionKey finds the active key for the pair, generating
// one when auto-provisioning permits.
func (s *Service) resolveEncryptionKey(organizationID string, purpose KeyPurpose) (*KeyRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrServiceClosed
	}

	key, err := s.store.FindActive(organizationID, purpose)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("active key lookup failed: %w", err)
	}
	if key != nil {
		return key, nil
	}
	if !s.options.AutoProvision {
		return nil, fmt.Errorf("%w: no active key for %s/%s", ErrNoActiveKey, organizationID, purpose)
	}

	// Auto-provision under the write lock; another caller may have won
	// the race, in which case use their key.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	if key, err = s.store.FindActive(organizationID, purpose); err != nil {
		return nil, fmt.Errorf("active key lookup failed: %w", err)
	}
	if key != nil {
		return key, nil
	}

	record, err := s.generateLocked(organizationID, purpose, 0)
	if err != nil {
		s.logAudit("encryption_key_generated", err, auditFields{
			organizationID: organizationID,
			resourceType:   "encryption_key",
			context:        fmt.Sprintf("purpose=%s auto_provisioned=true", purpose),
		})
		return nil, err
	}

	s.logAudit("encryption_key_generated", nil, auditFields{
		organizationID: organizationID,
		resourceType:   "encryption_key",
		resourceID:     record.KeyID,
		context:        fmt.Sprintf("purpose=%s auto_provisioned=true", purpose),
		compliance:     purpose.Sensitive(),
	})
	return record.Clone(), nil
}

// Decrypt verifies and decrypts an envelope.
//
// The referenced key must still exist (ErrKeyNotFound otherwise) and be
// active or rotated; revoked and expired keys fail with
// ErrKeyUnavailable. Any tampering, such as a flipped bit in ciphertext,
// IV or tag, or wrong key material fails with the generic
// ErrDecryptionFailed. The failure modes behind that error are
// deliberately undifferentiated so the service cannot be used as a
// decryption oracle.
//
// Successful decryption under a key held for a sensitive purpose
// (credentials, pii, financial, healthcare) emits a data_decrypted
// audit event; general-purpose traffic is not audited to limit volume.
func (s *Service) Decrypt(envelope *EncryptedEnvelope) ([]byte, error) {
	if envelope == nil || envelope.KeyID == "" {
		return nil, fmt.Errorf("%w: nil or incomplete envelope", ErrInvalidInput)
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrServiceClosed
	}
	key, err := s.store.Get(envelope.KeyID)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, envelope.KeyID)
	}
	if !key.Usable() {
		return nil, fmt.Errorf("%w: key %s is %s", ErrKeyUnavailable, key.KeyID, key.Status)
	}
	defer wipe(key.Material)

	nonce, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	tag, err := base64.StdEncoding.DecodeString(envelope.AuthTag)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := crypto.Open(envelope.Algorithm, key.Material, nonce, ciphertext, tag)
	if err != nil {
		// Never differentiate tag mismatch, corruption or wrong key
		return nil, ErrDecryptionFailed
	}

	// The audit gate keys off the stored record, not the envelope. The
	// metadata block is not covered by the authentication tag, so a
	// holder could relabel it to dodge the compliance trail.
	if key.Purpose.Sensitive() {
		s.logAudit("data_decrypted", nil, auditFields{
			organizationID: key.OrganizationID,
			resourceType:   "encrypted_data",
			resourceID:     envelope.KeyID,
			context: fmt.Sprintf("purpose=%s data_type=%s",
				key.Purpose, envelope.Metadata.DataType),
			compliance: true,
		})
	}

	return plaintext, nil
}

// Reencrypt migrates an envelope to another key: it decrypts under the
// envelope's key and encrypts the recovered plaintext under newKeyID.
// The target key must exist and be usable for encryption. Used to move
// ciphertext off retired keys after rotation.
func (s *Service) Reencrypt(envelope *EncryptedEnvelope, newKeyID string) (*EncryptedEnvelope, error) {
	if newKeyID == "" {
		return nil, fmt.Errorf("%w: new key ID cannot be empty", ErrInvalidInput)
	}

	plaintext, err := s.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	defer wipe(plaintext)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrServiceClosed
	}
	key, err := s.store.Get(newKeyID)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, newKeyID)
	}
	if !key.Usable() {
		return nil, fmt.Errorf("%w: key %s is %s", ErrKeyUnavailable, key.KeyID, key.Status)
	}
	defer wipe(key.Material)

	nonce, ciphertext, tag, err := crypto.Seal(key.Algorithm, key.Material, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	return &EncryptedEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:      key.KeyID,
		KeyVersion: key.KeyVersion,
		Algorithm:  key.Algorithm,
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Metadata: EnvelopeMetadata{
			Purpose:        envelope.Metadata.Purpose,
			OrganizationID: envelope.Metadata.OrganizationID,
			DataType:       envelope.Metadata.DataType,
			EncryptedAt:    s.now().UTC(),
		},
	}, nil
}
