package keystone

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"southwinds.dev/keystone/internal/crypto"
	"southwinds.dev/keystone/internal/misc"
)

// ExportMetadata carries everything except the password that is needed
// to unwrap an exported key: the KDF salt, the AEAD nonce and tag, and
// the algorithm identifiers. It is safe to store alongside the wrapped
// key; without the password it is useless.
type ExportMetadata struct {
	KeyID      string    `json:"key_id"`
	Algorithm  string    `json:"algorithm"`
	KDF        string    `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	AuthTag    []byte    `json:"auth_tag"`
	ExportedAt time.Time `json:"exported_at"`
}

// KeyExport is the result of ExportKey: password-wrapped key material
// plus the metadata needed to import it again.
type KeyExport struct {
	WrappedKey []byte         `json:"wrapped_key"`
	Metadata   ExportMetadata `json:"export_metadata"`
}

// keyExportPayload is the canonical serialized form of a key's
// essential fields. Internal bookkeeping (status, rotation and deletion
// stamps) deliberately stays behind: an imported key starts a fresh
// lifecycle.
type keyExportPayload struct {
	KeyID          string     `json:"key_id"`
	OrganizationID string     `json:"organization_id"`
	Algorithm      string     `json:"algorithm"`
	KeyVersion     int        `json:"key_version"`
	Material       string     `json:"material"` // base64 raw key bytes
	DerivedFrom    string     `json:"derived_from,omitempty"`
	Purpose        KeyPurpose `json:"purpose"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ExportKey wraps a key under a password for transfer or escrow.
//
// A wrapping key is derived from the password with a freshly generated
// random salt using the configured export KDF; the key's essential
// fields are serialized to canonical JSON and sealed with the same AEAD
// scheme the envelope cipher uses. The password never touches the
// store and is not recoverable from the export.
func (s *Service) ExportKey(keyID, exportPassword string) (*KeyExport, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key ID cannot be empty", ErrInvalidInput)
	}
	if len(exportPassword) < 8 {
		return nil, fmt.Errorf("%w: export password must be at least 8 characters", ErrInvalidInput)
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrServiceClosed
	}
	record, err := s.store.Get(keyID)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	defer wipe(record.Material)

	payload := keyExportPayload{
		KeyID:          record.KeyID,
		OrganizationID: record.OrganizationID,
		Algorithm:      record.Algorithm,
		KeyVersion:     record.KeyVersion,
		Material:       base64.StdEncoding.EncodeToString(record.Material),
		DerivedFrom:    record.DerivedFrom,
		Purpose:        record.Purpose,
		CreatedAt:      record.CreatedAt,
		ExpiresAt:      record.ExpiresAt,
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize key for export: %w", err)
	}
	defer wipe(serialized)

	// Fresh random salt per export
	salt := make([]byte, misc.SaltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: failed to generate export salt: %v", ErrKeyGeneration, err)
	}

	wrappingKey, err := crypto.DeriveKeyProtected(s.options.ExportKDF, []byte(exportPassword), salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	defer wrappingKey.Destroy()

	nonce, ciphertext, tag, err := crypto.Seal(record.Algorithm, wrappingKey.Bytes(), serialized)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}

	export := &KeyExport{
		WrappedKey: ciphertext,
		Metadata: ExportMetadata{
			KeyID:      record.KeyID,
			Algorithm:  record.Algorithm,
			KDF:        s.options.ExportKDF,
			Salt:       salt,
			Nonce:      nonce,
			AuthTag:    tag,
			ExportedAt: s.now().UTC(),
		},
	}

	s.logAudit("encryption_key_exported", nil, auditFields{
		organizationID: record.OrganizationID,
		resourceType:   "encryption_key",
		resourceID:     record.KeyID,
		context:        fmt.Sprintf("purpose=%s kdf=%s", record.Purpose, s.options.ExportKDF),
		compliance:     true,
	})
	return export, nil
}

// ImportKey unwraps an exported key and inserts it into the key store.
//
// The wrapping key is re-derived from the password and the salt in the
// export metadata. A wrong password surfaces as an authentication-tag
// failure, indistinguishable from a corrupted payload; both fail with
// ErrImportDecryption. A key with the same ID must not already exist.
//
// The imported key lands with status active. When the target
// (organization, purpose) pair already has an active key, the import
// instead lands as rotated (usable for decryption, not for new
// encryption) so the at-most-one-active invariant is never violated.
func (s *Service) ImportKey(wrappedKey []byte, meta ExportMetadata, importPassword string) (*KeyRecord, error) {
	if len(wrappedKey) == 0 {
		return nil, fmt.Errorf("%w: wrapped key cannot be empty", ErrInvalidInput)
	}
	if importPassword == "" {
		return nil, fmt.Errorf("%w: import password cannot be empty", ErrInvalidInput)
	}
	if len(meta.Salt) == 0 || len(meta.Nonce) == 0 {
		return nil, fmt.Errorf("%w: export metadata is incomplete", ErrInvalidInput)
	}

	kdf := meta.KDF
	if kdf == "" {
		kdf = s.options.ExportKDF
	}
	if !crypto.SupportedKDF(kdf) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDerivation, kdf)
	}

	wrappingKey, err := crypto.DeriveKeyProtected(kdf, []byte(importPassword), meta.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	defer wrappingKey.Destroy()

	serialized, err := crypto.Open(meta.Algorithm, wrappingKey.Bytes(), meta.Nonce, wrappedKey, meta.AuthTag)
	if err != nil {
		return nil, ErrImportDecryption
	}
	defer wipe(serialized)

	var payload keyExportPayload
	if err = json.Unmarshal(serialized, &payload); err != nil {
		return nil, ErrImportDecryption
	}
	material, err := base64.StdEncoding.DecodeString(payload.Material)
	if err != nil || len(material) != misc.KeySize {
		return nil, ErrImportDecryption
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		wipe(material)
		return nil, ErrServiceClosed
	}

	existing, err := s.store.Get(payload.KeyID)
	if err != nil {
		wipe(material)
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if existing != nil {
		wipe(material)
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, payload.KeyID)
	}

	record := &KeyRecord{
		KeyID:          payload.KeyID,
		OrganizationID: payload.OrganizationID,
		Algorithm:      payload.Algorithm,
		KeyVersion:     payload.KeyVersion,
		Material:       material,
		DerivedFrom:    payload.DerivedFrom,
		Purpose:        payload.Purpose,
		CreatedAt:      payload.CreatedAt,
		ExpiresAt:      payload.ExpiresAt,
		Status:         KeyStatusActive,
	}

	// Keep the at-most-one-active invariant: an existing active key for
	// the pair wins, the import comes back as a decrypt-only key.
	active, err := s.store.FindActive(record.OrganizationID, record.Purpose)
	if err != nil {
		wipe(material)
		return nil, fmt.Errorf("active key lookup failed: %w", err)
	}
	if active != nil {
		now := s.now().UTC()
		record.Status = KeyStatusRotated
		record.RotatedAt = &now
	}

	if err = s.store.Put(record); err != nil {
		wipe(material)
		return nil, fmt.Errorf("failed to store imported key: %w", err)
	}

	s.logAudit("encryption_key_imported", nil, auditFields{
		organizationID: record.OrganizationID,
		resourceType:   "encryption_key",
		resourceID:     record.KeyID,
		context:        fmt.Sprintf("purpose=%s status=%s", record.Purpose, record.Status),
		compliance:     true,
	})
	return record.Clone(), nil
}
