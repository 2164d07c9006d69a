package keystone

import (
	"sort"
	"sync"
)

// KeyStore is the persistence abstraction every other component depends
// on. The default implementation keeps records in process memory as a
// stand-in for a real secret-management backend; a production deployment
// can swap in a KMS/HSM/database-backed implementation without touching
// the envelope cipher or the lifecycle manager.
//
// All methods must be safe for concurrent use and must reflect the most
// recent write before the next lookup (no stale reads). Key material
// never leaves the store except via Get/FindActive by identifier; there
// is no bulk export of raw material.
type KeyStore interface {
	// Put inserts or replaces the record for record.KeyID.
	Put(record *KeyRecord) error

	// Get retrieves the record for keyID, or nil when absent.
	Get(keyID string) (*KeyRecord, error)

	// Delete removes the record for keyID. Deleting an absent key is not
	// an error.
	Delete(keyID string) error

	// FindActive returns the active key for (organizationID, purpose),
	// or nil when none exists.
	FindActive(organizationID string, purpose KeyPurpose) (*KeyRecord, error)

	// ListActive returns every active key owned by the organization.
	ListActive(organizationID string) ([]*KeyRecord, error)

	// List returns every record owned by the organization, any status.
	// An empty organizationID lists all records.
	List(organizationID string) ([]*KeyRecord, error)

	// PutPolicy inserts or replaces the rotation policy for
	// (policy.OrganizationID, policy.Purpose).
	PutPolicy(policy *RotationPolicy) error

	// GetPolicy retrieves the rotation policy for the pair, or nil when
	// none is configured.
	GetPolicy(organizationID string, purpose KeyPurpose) (*RotationPolicy, error)

	// ListPolicies returns every configured rotation policy.
	ListPolicies() ([]*RotationPolicy, error)
}

// memoryKeyStore is the default in-memory KeyStore. Records are copied
// on the way in and out so callers can never mutate store state through
// a shared pointer.
type memoryKeyStore struct {
	mu       sync.RWMutex
	keys     map[string]*KeyRecord
	policies map[policyKey]*RotationPolicy
}

type policyKey struct {
	organizationID string
	purpose        KeyPurpose
}

// NewMemoryKeyStore creates an empty in-memory key store safe for
// concurrent use.
func NewMemoryKeyStore() KeyStore {
	return &memoryKeyStore{
		keys:     make(map[string]*KeyRecord),
		policies: make(map[policyKey]*RotationPolicy),
	}
}

func (m *memoryKeyStore) Put(record *KeyRecord) error {
	if record == nil || record.KeyID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[record.KeyID] = record.Clone()
	return nil
}

func (m *memoryKeyStore) Get(keyID string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, exists := m.keys[keyID]
	if !exists {
		return nil, nil
	}
	return record.Clone(), nil
}

func (m *memoryKeyStore) Delete(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, keyID)
	return nil
}

func (m *memoryKeyStore) FindActive(organizationID string, purpose KeyPurpose) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.keys {
		if record.OrganizationID == organizationID && record.Purpose == purpose && record.Status == KeyStatusActive {
			return record.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memoryKeyStore) ListActive(organizationID string) ([]*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []*KeyRecord
	for _, record := range m.keys {
		if record.OrganizationID == organizationID && record.Status == KeyStatusActive {
			records = append(records, record.Clone())
		}
	}
	sortRecords(records)
	return records, nil
}

func (m *memoryKeyStore) List(organizationID string) ([]*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []*KeyRecord
	for _, record := range m.keys {
		if organizationID == "" || record.OrganizationID == organizationID {
			records = append(records, record.Clone())
		}
	}
	sortRecords(records)
	return records, nil
}

func (m *memoryKeyStore) PutPolicy(policy *RotationPolicy) error {
	if policy == nil || policy.OrganizationID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *policy
	clone.Approvers = append([]string(nil), policy.Approvers...)
	m.policies[policyKey{policy.OrganizationID, policy.Purpose}] = &clone
	return nil
}

func (m *memoryKeyStore) GetPolicy(organizationID string, purpose KeyPurpose) (*RotationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policy, exists := m.policies[policyKey{organizationID, purpose}]
	if !exists {
		return nil, nil
	}
	clone := *policy
	clone.Approvers = append([]string(nil), policy.Approvers...)
	return &clone, nil
}

// Wipe zeroes the material of every held record in place. The records
// themselves stay in the map. Callers cannot reach this through the
// accessors, which hand out clones.
func (m *memoryKeyStore) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.keys {
		wipe(record.Material)
	}
}

func (m *memoryKeyStore) ListPolicies() ([]*RotationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policies := make([]*RotationPolicy, 0, len(m.policies))
	for _, policy := range m.policies {
		clone := *policy
		clone.Approvers = append([]string(nil), policy.Approvers...)
		policies = append(policies, &clone)
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].OrganizationID != policies[j].OrganizationID {
			return policies[i].OrganizationID < policies[j].OrganizationID
		}
		return policies[i].Purpose < policies[j].Purpose
	})
	return policies, nil
}

// sortRecords orders by creation time then key ID for stable listings.
func sortRecords(records []*KeyRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].KeyID < records[j].KeyID
	})
}
