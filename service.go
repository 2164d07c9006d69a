package keystone

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"southwinds.dev/keystone/audit"
	"southwinds.dev/keystone/internal/mem"
)

// KeyManagementService is the public surface of the key management and
// envelope encryption core. A single instance serves many organizations;
// every operation is scoped by organization ID and safe for concurrent
// use from request handlers and the background scheduler.
type KeyManagementService interface {
	// Key factory
	Generate(organizationID string, purpose KeyPurpose, expirationDays int) (*KeyRecord, error)
	Derive(masterKeyID string, cfg DerivationConfig, organizationID string, purpose KeyPurpose) (*KeyRecord, error)

	// Envelope cipher
	Encrypt(plaintext []byte, organizationID string, purpose KeyPurpose, dataType string) (*EncryptedEnvelope, error)
	Decrypt(envelope *EncryptedEnvelope) ([]byte, error)
	Reencrypt(envelope *EncryptedEnvelope, newKeyID string) (*EncryptedEnvelope, error)

	// Lifecycle
	Rotate(organizationID string, purpose KeyPurpose) (*KeyRecord, error)
	Revoke(keyID, reason string) error
	ScheduleDeletion(keyID string, gracePeriodDays int) error
	SweepDueDeletions(now time.Time) (int, error)
	ExportKey(keyID, exportPassword string) (*KeyExport, error)
	ImportKey(wrappedKey []byte, meta ExportMetadata, importPassword string) (*KeyRecord, error)

	// Rotation policy administration
	SetRotationPolicy(policy RotationPolicy) error
	GetRotationPolicy(organizationID string, purpose KeyPurpose) (*RotationPolicy, error)
	ListRotationPolicies() ([]*RotationPolicy, error)

	// Introspection. Returned records never carry raw key material.
	DescribeKey(keyID string) (*KeyRecord, error)
	ListActiveKeys(organizationID string) ([]*KeyRecord, error)
	ListKeys(organizationID string) ([]*KeyRecord, error)

	// Scheduler entry point: policy-driven rotation, expiry marking and
	// the deletion sweep in one pass.
	RunSweep(now time.Time) (*SweepReport, error)

	// Audit exposes the configured audit logger for querying.
	Audit() audit.Logger

	Close() error
}

// Service implements KeyManagementService over a pluggable KeyStore and
// key-backing provider. Construct with New; the zero value is unusable.
type Service struct {
	options Options
	store   KeyStore
	backing Backing
	audit   audit.Logger

	// mu serializes all key store mutations so rotation's two-step
	// transition (retire old, activate new) is atomic with respect to
	// concurrent FindActive reads. Readers take the read lock.
	mu     sync.RWMutex
	closed bool

	now func() time.Time
}

var _ KeyManagementService = (*Service)(nil)

// New creates a key management service.
//
// store may be nil, in which case an in-memory key store is used: the
// documented stand-in for a real secret-management backend; keys then
// live only as long as the process. auditLogger may be nil, in which
// case a no-op logger is used. The key-backing provider comes from
// options; by default the local provider (crypto/rand, in-process
// material) backs all keys.
func New(options Options, store KeyStore, auditLogger audit.Logger) (*Service, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	if store == nil {
		store = NewMemoryKeyStore()
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	backing := options.Backing
	if backing == nil {
		backing = NewLocalBacking()
	}

	// Best-effort: keep key material off swap. Partial protection is
	// accepted; only a hard failure aborts construction when the
	// options demand full protection.
	if options.MemoryLock {
		level, err := mem.Lock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock process memory: %w", err)
		}
		if level != mem.ProtectionFull {
			log.Printf("keystone: full memory protection unavailable, continuing with partial protection")
		}
	}

	return &Service{
		options: options,
		store:   store,
		backing: backing,
		audit:   auditLogger,
		now:     time.Now,
	}, nil
}

// Audit returns the configured audit logger.
func (s *Service) Audit() audit.Logger {
	return s.audit
}

// DescribeKey returns the record for keyID without its raw material, or
// ErrKeyNotFound.
func (s *Service) DescribeKey(keyID string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	record, err := s.store.Get(keyID)
	if err != nil {
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return redact(record), nil
}

// ListActiveKeys returns the active keys owned by the organization,
// without raw material.
func (s *Service) ListActiveKeys(organizationID string) ([]*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	records, err := s.store.ListActive(organizationID)
	if err != nil {
		return nil, fmt.Errorf("active key listing failed: %w", err)
	}
	return redactAll(records), nil
}

// ListKeys returns every key owned by the organization regardless of
// status, without raw material.
func (s *Service) ListKeys(organizationID string) ([]*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	records, err := s.store.List(organizationID)
	if err != nil {
		return nil, fmt.Errorf("key listing failed: %w", err)
	}
	return redactAll(records), nil
}

// SetRotationPolicy creates or replaces the rotation policy for the
// policy's (organization, purpose) pair.
func (s *Service) SetRotationPolicy(policy RotationPolicy) error {
	if err := validateOrgAndPurpose(policy.OrganizationID, policy.Purpose); err != nil {
		return err
	}
	if policy.RotationIntervalDays <= 0 {
		return fmt.Errorf("%w: rotation interval must be positive", ErrInvalidInput)
	}
	if policy.GracePeriodDays < 0 {
		return fmt.Errorf("%w: grace period cannot be negative", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}

	if err := s.store.PutPolicy(&policy); err != nil {
		return fmt.Errorf("failed to store rotation policy: %w", err)
	}

	s.logAudit("rotation_policy_set", nil, auditFields{
		organizationID: policy.OrganizationID,
		resourceType:   "rotation_policy",
		context: fmt.Sprintf("purpose=%s interval_days=%d auto=%t",
			policy.Purpose, policy.RotationIntervalDays, policy.AutoRotation),
	})
	return nil
}

// GetRotationPolicy returns the rotation policy for the pair, or nil
// when none is configured.
func (s *Service) GetRotationPolicy(organizationID string, purpose KeyPurpose) (*RotationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	return s.store.GetPolicy(organizationID, purpose)
}

// ListRotationPolicies returns every configured rotation policy.
func (s *Service) ListRotationPolicies() ([]*RotationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	return s.store.ListPolicies()
}

// Close renders the service unusable. In-memory key material reachable
// through the store is wiped best-effort. Close is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Stores holding raw material in process memory wipe it here. A
	// store backed by an external system holds wrapped material only
	// and has nothing to destroy.
	if wiper, ok := s.store.(interface{ Wipe() }); ok {
		wiper.Wipe()
	}

	if s.options.MemoryLock {
		if err := mem.Unlock(); err != nil {
			log.Printf("keystone: failed to unlock process memory: %v", err)
		}
	}

	return nil
}

// auditFields carries the structured fields every audit event shares.
type auditFields struct {
	organizationID string
	resourceType   string
	resourceID     string
	context        string
	compliance     bool
	extra          map[string]interface{}
}

// logAudit emits an audit event. Audit failures are logged locally and
// swallowed: observability must never block a key operation.
func (s *Service) logAudit(action string, opErr error, f auditFields) {
	metadata := map[string]interface{}{
		audit.FieldRequestID: s.newRequestID(),
	}
	if f.organizationID != "" {
		metadata[audit.FieldOrganizationID] = f.organizationID
	}
	if f.resourceType != "" {
		metadata[audit.FieldResourceType] = f.resourceType
	}
	if f.resourceID != "" {
		metadata[audit.FieldResourceID] = f.resourceID
	}
	if f.context != "" {
		metadata[audit.FieldBusinessContext] = f.context
	}
	if f.compliance {
		metadata[audit.FieldComplianceRelevant] = true
	}
	if opErr != nil {
		metadata[audit.FieldError] = opErr.Error()
	}
	for k, v := range f.extra {
		metadata[k] = v
	}

	if err := s.audit.Log(action, opErr == nil, metadata); err != nil {
		log.Printf("keystone: audit log failed for %s: %v", action, err)
	}
}

func (s *Service) newRequestID() string {
	return uuid.New().String()
}

func redact(record *KeyRecord) *KeyRecord {
	clone := record.Clone()
	wipe(clone.Material)
	clone.Material = nil
	return clone
}

func redactAll(records []*KeyRecord) []*KeyRecord {
	out := make([]*KeyRecord, len(records))
	for i, record := range records {
		out[i] = redact(record)
	}
	return out
}
