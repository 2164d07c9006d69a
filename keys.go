package keystone

import (
	"fmt"
	"time"

	"southwinds.dev/keystone/internal/crypto"
	"southwinds.dev/keystone/internal/misc"
)

// KeyStatus tracks a key through its lifecycle. At most one key per
// (organization, purpose) pair is active at any time; rotation retires
// the old key to rotated, revocation and expiry make a key unusable for
// decryption, and only rotated keys are ever deleted by the sweep.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRotated KeyStatus = "rotated"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

// KeyPurpose governs key isolation and audit sensitivity. A distinct
// active key exists per (organization, purpose) pair, and decryption
// under any purpose other than general emits an audit event.
type KeyPurpose string

const (
	PurposeGeneral     KeyPurpose = "general"
	PurposeCredentials KeyPurpose = "credentials"
	PurposePII         KeyPurpose = "pii"
	PurposeFinancial   KeyPurpose = "financial"
	PurposeHealthcare  KeyPurpose = "healthcare"
)

// Valid reports whether p is a recognized purpose.
func (p KeyPurpose) Valid() bool {
	switch p {
	case PurposeGeneral, PurposeCredentials, PurposePII, PurposeFinancial, PurposeHealthcare:
		return true
	}
	return false
}

// Sensitive reports whether decryption under this purpose is audited.
// General-purpose decryption is not audited to limit audit volume.
func (p KeyPurpose) Sensitive() bool {
	return p.Valid() && p != PurposeGeneral
}

// KeyRecord represents a managed symmetric key owned by an organization.
//
// The raw key material is held only in process memory and is never
// serialized; the json:"-" tag keeps it out of exports, audit metadata
// and any accidental marshalling. Everything else is bookkeeping the
// lifecycle manager and scheduler operate on.
type KeyRecord struct {
	// KeyID is a globally unique identifier, stable for the key's
	// lifetime. Constructed from the organization prefix, a millisecond
	// timestamp and a random suffix.
	KeyID string `json:"key_id"`

	// OrganizationID is the tenant owning the key; all lookups are
	// scoped by it.
	OrganizationID string `json:"organization_id"`

	// Algorithm is the AEAD cipher identifier used with this key.
	Algorithm string `json:"algorithm"`

	// KeyVersion increases monotonically per (organization, purpose)
	// lineage; rotation creates version old+1.
	KeyVersion int `json:"key_version"`

	// Material is the raw 256-bit secret. Never serialized.
	Material []byte `json:"-"`

	// DerivedFrom references the master key this key was derived from,
	// when it was created by Derive rather than Generate.
	DerivedFrom string `json:"derived_from,omitempty"`

	// Purpose governs audit sensitivity and key isolation.
	Purpose KeyPurpose `json:"purpose"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`

	// DeleteAfter schedules deferred deletion: the sweep deletes the
	// record once this instant has passed, provided the status is still
	// rotated. A durable timestamp rather than an in-process timer so
	// pending deletions survive wherever the store survives.
	DeleteAfter *time.Time `json:"delete_after,omitempty"`

	Status KeyStatus `json:"status"`
}

// Clone returns a deep copy, including a private copy of the material.
func (r *KeyRecord) Clone() *KeyRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Material = append([]byte(nil), r.Material...)
	clone.ExpiresAt = copyTime(r.ExpiresAt)
	clone.RotatedAt = copyTime(r.RotatedAt)
	clone.DeleteAfter = copyTime(r.DeleteAfter)
	return &clone
}

// Usable reports whether the key may decrypt existing envelopes.
// Revoked and expired keys cannot; rotated keys can, until deleted.
func (r *KeyRecord) Usable() bool {
	return r.Status == KeyStatusActive || r.Status == KeyStatusRotated
}

// RotationPolicy configures automatic rotation for one
// (organization, purpose) pair. Policies are written by administrators
// and read-only to the scheduler.
type RotationPolicy struct {
	OrganizationID           string     `json:"organization_id"`
	Purpose                  KeyPurpose `json:"purpose"`
	RotationIntervalDays     int        `json:"rotation_interval_days"`
	GracePeriodDays          int        `json:"grace_period_days"`
	AutoRotation             bool       `json:"auto_rotation"`
	NotifyBeforeRotationDays int        `json:"notify_before_rotation_days"`
	RequiresApproval         bool       `json:"requires_approval"`
	Approvers                []string   `json:"approvers,omitempty"`
}

// DerivationConfig carries the parameters for deriving a subordinate
// key from a master key. Derivation is deterministic for a given
// (master material, salt, algorithm) triple, so a derived key can be
// recreated without ever storing it. The salt is the caller's to track;
// the service does not persist it.
type DerivationConfig struct {
	// Algorithm names the KDF: pbkdf2-sha256, scrypt or argon2id.
	Algorithm string `json:"algorithm"`

	// Salt is the derivation salt. Required, minimum 8 bytes.
	Salt []byte `json:"salt"`
}

// Generate creates a fresh 256-bit key for the (organization, purpose)
// pair, inserts it into the key store with version 1 and status active,
// and emits an encryption_key_generated audit event.
//
// Randomness comes from the configured key-backing provider; a failing
// randomness source surfaces as ErrKeyGeneration and should be treated
// as fatal. An expirationDays of zero means the key never expires.
//
// At most one key per pair may be active, so Generate fails with
// ErrKeyExists while an active key is present; rotate or revoke it
// first, or rely on Rotate to supersede it.
func (s *Service) Generate(organizationID string, purpose KeyPurpose, expirationDays int) (*KeyRecord, error) {
	if err := validateOrgAndPurpose(organizationID, purpose); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	record, err := s.generateLocked(organizationID, purpose, expirationDays)
	if err != nil {
		s.logAudit("encryption_key_generated", err, auditFields{
			organizationID: organizationID,
			resourceType:   "encryption_key",
			context:        fmt.Sprintf("purpose=%s", purpose),
		})
		return nil, err
	}

	s.logAudit("encryption_key_generated", nil, auditFields{
		organizationID: organizationID,
		resourceType:   "encryption_key",
		resourceID:     record.KeyID,
		context:        fmt.Sprintf("purpose=%s version=%d", purpose, record.KeyVersion),
		compliance:     purpose.Sensitive(),
	})
	return record.Clone(), nil
}

// generateLocked creates and stores a new active key. Callers hold the
// service write lock.
func (s *Service) generateLocked(organizationID string, purpose KeyPurpose, expirationDays int) (*KeyRecord, error) {
	existing, err := s.store.FindActive(organizationID, purpose)
	if err != nil {
		return nil, fmt.Errorf("active key lookup failed: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: active key %s already exists for %s/%s",
			ErrKeyExists, existing.KeyID, organizationID, purpose)
	}

	material, err := s.backing.GenerateRandomBytes(misc.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if crypto.IsWeakKey(material) {
		wipe(material)
		return nil, fmt.Errorf("%w: generated material failed entropy check", ErrKeyGeneration)
	}

	now := s.now().UTC()
	record := &KeyRecord{
		KeyID:          newKeyID(organizationID),
		OrganizationID: organizationID,
		Algorithm:      s.options.DefaultAlgorithm,
		KeyVersion:     1,
		Material:       material,
		Purpose:        purpose,
		CreatedAt:      now,
		Status:         KeyStatusActive,
	}
	if expirationDays > 0 {
		expires := now.AddDate(0, 0, expirationDays)
		record.ExpiresAt = &expires
	}

	if err = s.store.Put(record); err != nil {
		wipe(material)
		return nil, fmt.Errorf("failed to store generated key: %w", err)
	}
	return record, nil
}

// Derive creates a subordinate key from an existing master key using a
// password/key-based derivation function and inserts it as the active
// key for the (organization, purpose) pair.
//
// The derived key inherits the master's algorithm, records the master
// in DerivedFrom, and starts a fresh lineage at version 1. Unrecognized
// derivation algorithm names fail with ErrUnsupportedDerivation; an
// absent master fails with ErrMasterKeyNotFound.
//
// Derivation is intentionally expensive. Callers on latency-sensitive
// paths should bound it with a timeout or move it off the request path.
func (s *Service) Derive(masterKeyID string, cfg DerivationConfig, organizationID string, purpose KeyPurpose) (*KeyRecord, error) {
	if err := validateOrgAndPurpose(organizationID, purpose); err != nil {
		return nil, err
	}
	if masterKeyID == "" {
		return nil, fmt.Errorf("%w: master key ID cannot be empty", ErrInvalidInput)
	}
	if !crypto.SupportedKDF(cfg.Algorithm) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDerivation, cfg.Algorithm)
	}
	if len(cfg.Salt) < 8 {
		return nil, fmt.Errorf("%w: derivation salt must be at least 8 bytes", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	record, err := s.deriveLocked(masterKeyID, cfg, organizationID, purpose)
	if err != nil {
		s.logAudit("encryption_key_derived", err, auditFields{
			organizationID: organizationID,
			resourceType:   "encryption_key",
			context:        fmt.Sprintf("master=%s purpose=%s", masterKeyID, purpose),
		})
		return nil, err
	}

	s.logAudit("encryption_key_derived", nil, auditFields{
		organizationID: organizationID,
		resourceType:   "encryption_key",
		resourceID:     record.KeyID,
		context:        fmt.Sprintf("master=%s purpose=%s kdf=%s", masterKeyID, purpose, cfg.Algorithm),
		compliance:     purpose.Sensitive(),
	})
	return record.Clone(), nil
}

func (s *Service) deriveLocked(masterKeyID string, cfg DerivationConfig, organizationID string, purpose KeyPurpose) (*KeyRecord, error) {
	master, err := s.store.Get(masterKeyID)
	if err != nil {
		return nil, fmt.Errorf("master key lookup failed: %w", err)
	}
	if master == nil {
		return nil, fmt.Errorf("%w: %s", ErrMasterKeyNotFound, masterKeyID)
	}

	existing, err := s.store.FindActive(organizationID, purpose)
	if err != nil {
		return nil, fmt.Errorf("active key lookup failed: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: active key %s already exists for %s/%s",
			ErrKeyExists, existing.KeyID, organizationID, purpose)
	}

	material, err := crypto.DeriveKey(cfg.Algorithm, master.Material, cfg.Salt)
	wipe(master.Material)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	record := &KeyRecord{
		KeyID:          newKeyID(organizationID),
		OrganizationID: organizationID,
		Algorithm:      master.Algorithm,
		KeyVersion:     1,
		Material:       material,
		DerivedFrom:    masterKeyID,
		Purpose:        purpose,
		CreatedAt:      s.now().UTC(),
		Status:         KeyStatusActive,
	}

	if err = s.store.Put(record); err != nil {
		wipe(material)
		return nil, fmt.Errorf("failed to store derived key: %w", err)
	}
	return record, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
