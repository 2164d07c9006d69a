package keystone

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"southwinds.dev/keystone/audit"
)

// recordingLogger captures audit calls for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Action   string
	Success  bool
	Metadata map[string]interface{}
}

func (r *recordingLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}
	r.events = append(r.events, recordedEvent{Action: action, Success: success, Metadata: copied})
	return nil
}

func (r *recordingLogger) Query(options audit.QueryOptions) (audit.QueryResult, error) {
	return audit.QueryResult{}, nil
}

func (r *recordingLogger) Close() error { return nil }

func (r *recordingLogger) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

func (r *recordingLogger) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T, opts ...func(*Options)) (*Service, *recordingLogger) {
	t.Helper()
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	logger := &recordingLogger{}
	svc, err := New(options, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Close()
	})
	return svc, logger
}

// advanceTo pins the service clock to a fixed instant.
func advanceTo(svc *Service, instant time.Time) {
	svc.now = func() time.Time { return instant }
}

func TestServiceConstruction(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"DefaultsApplied", testNewAppliesDefaults},
		{"NilCollaborators", testNewNilCollaborators},
		{"RejectsUnknownAlgorithm", testNewRejectsUnknownAlgorithm},
		{"RejectsUnknownExportKDF", testNewRejectsUnknownExportKDF},
		{"RejectsNegativePlaintextCap", testNewRejectsNegativePlaintextCap},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testNewAppliesDefaults(t *testing.T) {
	svc, err := New(Options{}, nil, nil)
	require.NoError(t, err)
	defer svc.Close()

	require.Equal(t, AlgorithmAESGCM, svc.options.DefaultAlgorithm)
	require.Equal(t, KDFPBKDF2SHA256, svc.options.ExportKDF)
	require.Greater(t, svc.options.MaxPlaintextSize, 0)
}

func testNewNilCollaborators(t *testing.T) {
	svc, err := New(DefaultOptions(), nil, nil)
	require.NoError(t, err)
	defer svc.Close()

	// A nil store falls back to the in-memory store and a nil logger to
	// the no-op logger; both must be usable immediately.
	record, err := svc.Generate("acme", PurposeGeneral, 0)
	require.NoError(t, err)
	require.NotEmpty(t, record.KeyID)
	require.NotNil(t, svc.Audit())
}

func testNewRejectsUnknownAlgorithm(t *testing.T) {
	_, err := New(Options{DefaultAlgorithm: "des-56-cbc"}, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown default algorithm")
}

func testNewRejectsUnknownExportKDF(t *testing.T) {
	_, err := New(Options{ExportKDF: "md5"}, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown export KDF")
}

func testNewRejectsNegativePlaintextCap(t *testing.T) {
	_, err := New(Options{MaxPlaintextSize: -1}, nil, nil)
	require.Error(t, err)
}

func TestServiceClose(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"OperationsFailAfterClose", testOperationsFailAfterClose},
		{"CloseIsIdempotent", testCloseIsIdempotent},
		{"CloseWipesStoredMaterial", testCloseWipesStoredMaterial},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testOperationsFailAfterClose(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("payload"), "acme", PurposeGeneral, "")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	_, err = svc.Generate("acme", PurposePII, 0)
	require.ErrorIs(t, err, ErrServiceClosed)

	_, err = svc.Encrypt([]byte("payload"), "acme", PurposeGeneral, "")
	require.ErrorIs(t, err, ErrServiceClosed)

	_, err = svc.Decrypt(envelope)
	require.ErrorIs(t, err, ErrServiceClosed)

	_, err = svc.Rotate("acme", PurposeGeneral)
	require.ErrorIs(t, err, ErrServiceClosed)

	_, err = svc.RunSweep(time.Now())
	require.ErrorIs(t, err, ErrServiceClosed)
}

func testCloseIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}

func testCloseWipesStoredMaterial(t *testing.T) {
	store := NewMemoryKeyStore()
	svc, err := New(DefaultOptions(), store, nil)
	require.NoError(t, err)

	key, err := svc.Generate("acme", PurposePII, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	// The record survives Close but the store's held material must be
	// zeroed in place, not just the clones the accessors hand out.
	record, err := store.Get(key.KeyID)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Len(t, record.Material, 32)
	require.Equal(t, make([]byte, 32), record.Material)
}

func TestRotationPolicies(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"SetAndGet", testPolicySetAndGet},
		{"SetOverwrites", testPolicySetOverwrites},
		{"GetMissing", testPolicyGetMissing},
		{"List", testPolicyList},
		{"Validation", testPolicyValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testPolicySetAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	policy := RotationPolicy{
		OrganizationID:       "acme",
		Purpose:              PurposeFinancial,
		RotationIntervalDays: 90,
		GracePeriodDays:      30,
		AutoRotation:         true,
	}
	require.NoError(t, svc.SetRotationPolicy(policy))

	got, err := svc.GetRotationPolicy("acme", PurposeFinancial)
	require.NoError(t, err)
	require.Equal(t, 90, got.RotationIntervalDays)
	require.Equal(t, 30, got.GracePeriodDays)
	require.True(t, got.AutoRotation)
}

func testPolicySetOverwrites(t *testing.T) {
	svc, _ := newTestService(t)
	policy := RotationPolicy{
		OrganizationID:       "acme",
		Purpose:              PurposeGeneral,
		RotationIntervalDays: 90,
		GracePeriodDays:      30,
	}
	require.NoError(t, svc.SetRotationPolicy(policy))

	policy.RotationIntervalDays = 30
	require.NoError(t, svc.SetRotationPolicy(policy))

	got, err := svc.GetRotationPolicy("acme", PurposeGeneral)
	require.NoError(t, err)
	require.Equal(t, 30, got.RotationIntervalDays)
}

func testPolicyGetMissing(t *testing.T) {
	svc, _ := newTestService(t)
	got, err := svc.GetRotationPolicy("acme", PurposeHealthcare)
	require.NoError(t, err)
	require.Nil(t, got)
}

func testPolicyList(t *testing.T) {
	svc, _ := newTestService(t)
	for _, purpose := range []KeyPurpose{PurposeGeneral, PurposePII} {
		require.NoError(t, svc.SetRotationPolicy(RotationPolicy{
			OrganizationID:       "acme",
			Purpose:              purpose,
			RotationIntervalDays: 90,
			GracePeriodDays:      7,
		}))
	}
	policies, err := svc.ListRotationPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 2)
}

func testPolicyValidation(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.SetRotationPolicy(RotationPolicy{Purpose: PurposeGeneral, RotationIntervalDays: 90})
	require.ErrorIs(t, err, ErrInvalidInput)

	err = svc.SetRotationPolicy(RotationPolicy{OrganizationID: "acme", Purpose: "made-up", RotationIntervalDays: 90})
	require.ErrorIs(t, err, ErrInvalidInput)

	err = svc.SetRotationPolicy(RotationPolicy{OrganizationID: "acme", Purpose: PurposeGeneral, RotationIntervalDays: -1})
	require.ErrorIs(t, err, ErrInvalidInput)

	err = svc.SetRotationPolicy(RotationPolicy{OrganizationID: "acme", Purpose: PurposeGeneral, RotationIntervalDays: 90, GracePeriodDays: -1})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestKeyListing(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"DescribeRedactsMaterial", testDescribeRedactsMaterial},
		{"ListScopedByOrganization", testListScopedByOrganization},
		{"ListActiveExcludesRetired", testListActiveExcludesRetired},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testDescribeRedactsMaterial(t *testing.T) {
	svc, _ := newTestService(t)
	record, err := svc.Generate("acme", PurposeGeneral, 0)
	require.NoError(t, err)

	described, err := svc.DescribeKey(record.KeyID)
	require.NoError(t, err)
	require.Equal(t, record.KeyID, described.KeyID)
	require.Nil(t, described.Material)

	_, err = svc.DescribeKey("kst-missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func testListScopedByOrganization(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Generate("acme", PurposeGeneral, 0)
	require.NoError(t, err)
	_, err = svc.Generate("globex", PurposeGeneral, 0)
	require.NoError(t, err)

	records, err := svc.ListKeys("acme")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "acme", records[0].OrganizationID)
	require.Nil(t, records[0].Material)

	all, err := svc.ListKeys("")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func testListActiveExcludesRetired(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Generate("acme", PurposeGeneral, 0)
	require.NoError(t, err)
	_, err = svc.Rotate("acme", PurposeGeneral)
	require.NoError(t, err)

	active, err := svc.ListActiveKeys("acme")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, KeyStatusActive, active[0].Status)
	require.Equal(t, 2, active[0].KeyVersion)
}
