package keystone

import (
	"fmt"
	"time"

	"southwinds.dev/keystone/internal/crypto"
	"southwinds.dev/keystone/internal/misc"
)

// Rotate retires the active key for the (organization, purpose) pair
// and activates a freshly generated successor.
//
// The transition is atomic from any caller's perspective: the old key
// moves to rotated (with RotatedAt stamped) and the new key appears
// with version old+1 inside a single critical section, so no concurrent
// reader ever observes zero or two active keys for the pair, and two
// concurrent rotations serialize rather than both producing version
// N+1. Fails with ErrNoActiveKey when the pair has no active key.
//
// When a rotation policy exists for the pair, the retired key is
// stamped for deferred deletion after the policy's grace period; the
// deletion itself is applied by the sweep. The retired key keeps
// decrypting existing envelopes until then.
func (s *Service) Rotate(organizationID string, purpose KeyPurpose) (*KeyRecord, error) {
	if err := validateOrgAndPurpose(organizationID, purpose); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	record, err := s.rotateLocked(organizationID, purpose)
	if err != nil {
		s.logAudit("encryption_key_rotated", err, auditFields{
			organizationID: organizationID,
			resourceType:   "encryption_key",
			context:        fmt.Sprintf("purpose=%s", purpose),
		})
		return nil, err
	}

	s.logAudit("encryption_key_rotated", nil, auditFields{
		organizationID: organizationID,
		resourceType:   "encryption_key",
		resourceID:     record.KeyID,
		context:        fmt.Sprintf("purpose=%s version=%d", purpose, record.KeyVersion),
		compliance:     purpose.Sensitive(),
	})
	return record.Clone(), nil
}

// rotateLocked performs the rotation transition. Callers hold the
// service write lock.
func (s *Service) rotateLocked(organizationID string, purpose KeyPurpose) (*KeyRecord, error) {
	oldKey, err := s.store.FindActive(organizationID, purpose)
	if err != nil {
		return nil, fmt.Errorf("active key lookup failed: %w", err)
	}
	if oldKey == nil {
		return nil, fmt.Errorf("%w: nothing to rotate for %s/%s", ErrNoActiveKey, organizationID, purpose)
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
	newKey := &KeyRecord{
		KeyID:          newKeyID(organizationID),
		OrganizationID: organizationID,
		Algorithm:      oldKey.Algorithm, // lineage keeps its cipher
		KeyVersion:     oldKey.KeyVersion + 1,
		Material:       material,
		Purpose:        purpose,
		CreatedAt:      now,
		Status:         KeyStatusActive,
	}

	// Retire the old key first; both writes land inside this critical
	// section so the transition is invisible to concurrent readers.
	rotatedAt := now
	oldKey.Status = KeyStatusRotated
	oldKey.RotatedAt = &rotatedAt

	policy, err := s.store.GetPolicy(organizationID, purpose)
	if err != nil {
		wipe(material)
		return nil, fmt.Errorf("rotation policy lookup failed: %w", err)
	}
	if policy != nil {
		deleteAfter := now.AddDate(0, 0, policy.GracePeriodDays)
		oldKey.DeleteAfter = &deleteAfter
	}

	if err = s.store.Put(oldKey); err != nil {
		wipe(material)
		return nil, fmt.Errorf("failed to retire key %s: %w", oldKey.KeyID, err)
	}
	if err = s.store.Put(newKey); err != nil {
		// Roll the old key back so the pair is not left without an
		// active key.
		oldKey.Status = KeyStatusActive
		oldKey.RotatedAt = nil
		oldKey.DeleteAfter = nil
		if rollbackErr := s.store.Put(oldKey); rollbackErr != nil {
			return nil, fmt.Errorf("failed to store new key and to roll back %s: %v (original: %w)",
				oldKey.KeyID, rollbackErr, err)
		}
		wipe(material)
		return nil, fmt.Errorf("failed to store new key: %w", err)
	}

	return newKey, nil
}

// Revoke marks a key revoked, unconditionally. An active key can be
// revoked too.
// Envelopes encrypted under it immediately fail decryption with
// ErrKeyUnavailable. The record itself remains for audit until deleted
// explicitly; revoked keys are never picked up by the deletion sweep.
func (s *Service) Revoke(keyID, reason string) error {
	if keyID == "" {
		return fmt.Errorf("%w: key ID cannot be empty", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}

	record, err := s.store.Get(keyID)
	if err != nil {
		return fmt.Errorf("key lookup failed: %w", err)
	}
	if record == nil {
		err = fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		s.logAudit("encryption_key_revoked", err, auditFields{
			resourceType: "encryption_key",
			resourceID:   keyID,
			context:      fmt.Sprintf("reason=%s", reason),
		})
		return err
	}

	record.Status = KeyStatusRevoked
	if err = s.store.Put(record); err != nil {
		return fmt.Errorf("failed to revoke key %s: %w", keyID, err)
	}

	s.logAudit("encryption_key_revoked", nil, auditFields{
		organizationID: record.OrganizationID,
		resourceType:   "encryption_key",
		resourceID:     keyID,
		context:        fmt.Sprintf("purpose=%s reason=%s", record.Purpose, reason),
		compliance:     true,
	})
	return nil
}

// ScheduleDeletion stamps a key for deletion after the grace period.
// The deletion is a durable timestamp applied by SweepDueDeletions, not
// an in-process timer, so it survives as long as the backing store
// does. A key whose status is no longer rotated when the sweep reaches
// it is skipped silently.
func (s *Service) ScheduleDeletion(keyID string, gracePeriodDays int) error {
	if keyID == "" {
		return fmt.Errorf("%w: key ID cannot be empty", ErrInvalidInput)
	}
	if gracePeriodDays < 0 {
		return fmt.Errorf("%w: grace period cannot be negative", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}

	record, err := s.store.Get(keyID)
	if err != nil {
		return fmt.Errorf("key lookup failed: %w", err)
	}
	if record == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	deleteAfter := s.now().UTC().AddDate(0, 0, gracePeriodDays)
	record.DeleteAfter = &deleteAfter
	if err = s.store.Put(record); err != nil {
		return fmt.Errorf("failed to schedule deletion of key %s: %w", keyID, err)
	}
	return nil
}

// SweepDueDeletions deletes every key whose deletion schedule has
// elapsed at the given instant and whose status is still rotated. The
// status guard protects revoked keys and keys that somehow returned to
// service from being deleted; those are skipped without an event.
// Returns the number of keys actually deleted.
func (s *Service) SweepDueDeletions(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrServiceClosed
	}
	return s.sweepDueDeletionsLocked(now)
}

func (s *Service) sweepDueDeletionsLocked(now time.Time) (int, error) {
	records, err := s.store.List("")
	if err != nil {
		return 0, fmt.Errorf("key listing failed: %w", err)
	}

	deleted := 0
	for _, record := range records {
		wipe(record.Material)
		if record.DeleteAfter == nil || record.DeleteAfter.After(now) {
			continue
		}
		if record.Status != KeyStatusRotated {
			// Defensive: only retired keys are ever deleted
			continue
		}
		if err = s.store.Delete(record.KeyID); err != nil {
			return deleted, fmt.Errorf("failed to delete key %s: %w", record.KeyID, err)
		}
		deleted++

		s.logAudit("encryption_key_deleted", nil, auditFields{
			organizationID: record.OrganizationID,
			resourceType:   "encryption_key",
			resourceID:     record.KeyID,
			context:        fmt.Sprintf("purpose=%s version=%d", record.Purpose, record.KeyVersion),
			compliance:     true,
		})
	}
	return deleted, nil
}

// expireDueKeysLocked marks keys whose expiration has passed as
// expired, making them unavailable for decryption. Callers hold the
// service write lock.
func (s *Service) expireDueKeysLocked(now time.Time) (int, error) {
	records, err := s.store.List("")
	if err != nil {
		return 0, fmt.Errorf("key listing failed: %w", err)
	}

	expired := 0
	for _, record := range records {
		wipe(record.Material)
		if record.ExpiresAt == nil || record.ExpiresAt.After(now) {
			continue
		}
		if !record.Usable() {
			continue
		}

		fresh, err := s.store.Get(record.KeyID)
		if err != nil || fresh == nil {
			continue
		}
		fresh.Status = KeyStatusExpired
		if err = s.store.Put(fresh); err != nil {
			return expired, fmt.Errorf("failed to expire key %s: %w", record.KeyID, err)
		}
		wipe(fresh.Material)
		expired++

		s.logAudit("encryption_key_expired", nil, auditFields{
			organizationID: record.OrganizationID,
			resourceType:   "encryption_key",
			resourceID:     record.KeyID,
			context:        fmt.Sprintf("purpose=%s version=%d", record.Purpose, record.KeyVersion),
		})
	}
	return expired, nil
}
