package keystone

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryKeyStore(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"PutGetDelete", testStorePutGetDelete},
		{"CopiesOnTheWayInAndOut", testStoreCopiesInAndOut},
		{"FindActive", testStoreFindActive},
		{"ListOrdering", testStoreListOrdering},
		{"Policies", testStorePolicies},
		{"Wipe", testStoreWipe},
		{"ConcurrentAccess", testStoreConcurrentAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func storeRecord(org string, purpose KeyPurpose, status KeyStatus, createdAt time.Time) *KeyRecord {
	return &KeyRecord{
		KeyID:          fmt.Sprintf("key_%s_%s_%d", org, purpose, createdAt.UnixNano()),
		OrganizationID: org,
		Algorithm:      AlgorithmAESGCM,
		KeyVersion:     1,
		Material:       make([]byte, 32),
		Purpose:        purpose,
		CreatedAt:      createdAt,
		Status:         status,
	}
}

func testStorePutGetDelete(t *testing.T) {
	store := NewMemoryKeyStore()
	record := storeRecord("acme", PurposeGeneral, KeyStatusActive, time.Now().UTC())

	require.NoError(t, store.Put(record))

	got, err := store.Get(record.KeyID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, record.KeyID, got.KeyID)

	require.NoError(t, store.Delete(record.KeyID))
	got, err = store.Get(record.KeyID)
	require.NoError(t, err)
	require.Nil(t, got)

	// Deleting an absent key is not an error
	require.NoError(t, store.Delete(record.KeyID))

	// Missing keys come back nil, not as an error
	got, err = store.Get("never-existed")
	require.NoError(t, err)
	require.Nil(t, got)

	require.Error(t, store.Put(nil))
	require.Error(t, store.Put(&KeyRecord{}))
}

func testStoreCopiesInAndOut(t *testing.T) {
	store := NewMemoryKeyStore()
	record := storeRecord("acme", PurposeGeneral, KeyStatusActive, time.Now().UTC())
	record.Material[0] = 0xAA
	require.NoError(t, store.Put(record))

	// Mutating the caller's record after Put must not reach the store
	record.Status = KeyStatusRevoked
	record.Material[0] = 0xFF

	got, err := store.Get(record.KeyID)
	require.NoError(t, err)
	require.Equal(t, KeyStatusActive, got.Status)
	require.Equal(t, byte(0xAA), got.Material[0])

	// Mutating a retrieved record must not reach the store either
	got.Status = KeyStatusExpired
	again, err := store.Get(record.KeyID)
	require.NoError(t, err)
	require.Equal(t, KeyStatusActive, again.Status)
}

func testStoreFindActive(t *testing.T) {
	store := NewMemoryKeyStore()
	now := time.Now().UTC()

	require.NoError(t, store.Put(storeRecord("acme", PurposeGeneral, KeyStatusRotated, now.Add(-time.Hour))))
	active := storeRecord("acme", PurposeGeneral, KeyStatusActive, now)
	require.NoError(t, store.Put(active))
	require.NoError(t, store.Put(storeRecord("acme", PurposePII, KeyStatusActive, now)))
	require.NoError(t, store.Put(storeRecord("globex", PurposeGeneral, KeyStatusActive, now)))

	got, err := store.FindActive("acme", PurposeGeneral)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, active.KeyID, got.KeyID)

	got, err = store.FindActive("acme", PurposeHealthcare)
	require.NoError(t, err)
	require.Nil(t, got)
}

func testStoreListOrdering(t *testing.T) {
	store := NewMemoryKeyStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Insert out of creation order
	for _, offset := range []int{3, 1, 2} {
		require.NoError(t, store.Put(storeRecord("acme", PurposeGeneral, KeyStatusRotated, base.AddDate(0, 0, offset))))
	}

	records, err := store.List("acme")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		require.True(t, records[i-1].CreatedAt.Before(records[i].CreatedAt))
	}
}

func testStorePolicies(t *testing.T) {
	store := NewMemoryKeyStore()

	require.Error(t, store.PutPolicy(nil))
	require.Error(t, store.PutPolicy(&RotationPolicy{Purpose: PurposeGeneral}))

	policy := &RotationPolicy{
		OrganizationID:       "acme",
		Purpose:              PurposeFinancial,
		RotationIntervalDays: 90,
		Approvers:            []string{"alice"},
	}
	require.NoError(t, store.PutPolicy(policy))

	got, err := store.GetPolicy("acme", PurposeFinancial)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Clones: mutating the returned policy must not reach the store
	got.Approvers[0] = "mallory"
	again, err := store.GetPolicy("acme", PurposeFinancial)
	require.NoError(t, err)
	require.Equal(t, "alice", again.Approvers[0])

	missing, err := store.GetPolicy("acme", PurposeGeneral)
	require.NoError(t, err)
	require.Nil(t, missing)

	policies, err := store.ListPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)
}

func testStoreWipe(t *testing.T) {
	store := NewMemoryKeyStore()
	record := storeRecord("acme", PurposeGeneral, KeyStatusActive, time.Now().UTC())
	for i := range record.Material {
		record.Material[i] = byte(i + 1)
	}
	require.NoError(t, store.Put(record))

	wiper, ok := store.(interface{ Wipe() })
	require.True(t, ok)
	wiper.Wipe()

	got, err := store.Get(record.KeyID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, make([]byte, 32), got.Material)
}

func testStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryKeyStore()
	const workers = 16

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			org := fmt.Sprintf("org-%d", i%4)
			record := storeRecord(org, PurposeGeneral, KeyStatusActive, time.Now().UTC())
			record.KeyID = fmt.Sprintf("key_%s_%d", org, i)
			if err := store.Put(record); err != nil {
				t.Error(err)
				return
			}
			if _, err := store.Get(record.KeyID); err != nil {
				t.Error(err)
			}
			if _, err := store.List(org); err != nil {
				t.Error(err)
			}
			if _, err := store.FindActive(org, PurposeGeneral); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	all, err := store.List("")
	require.NoError(t, err)
	require.Len(t, all, workers)
}

func TestKeyRecord(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"CloneIsDeep", testRecordCloneIsDeep},
		{"Usable", testRecordUsable},
		{"PurposeClassification", testPurposeClassification},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testRecordCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	expires := now.AddDate(0, 0, 30)
	record := storeRecord("acme", PurposeGeneral, KeyStatusActive, now)
	record.ExpiresAt = &expires

	clone := record.Clone()
	clone.Material[0] = 0xFF
	*clone.ExpiresAt = now.AddDate(1, 0, 0)

	require.Equal(t, byte(0x00), record.Material[0])
	require.Equal(t, expires, *record.ExpiresAt)

	var nilRecord *KeyRecord
	require.Nil(t, nilRecord.Clone())
}

func testRecordUsable(t *testing.T) {
	cases := map[KeyStatus]bool{
		KeyStatusActive:  true,
		KeyStatusRotated: true,
		KeyStatusRevoked: false,
		KeyStatusExpired: false,
	}
	for status, usable := range cases {
		record := &KeyRecord{Status: status}
		require.Equal(t, usable, record.Usable(), "status %s", status)
	}
}

func testPurposeClassification(t *testing.T) {
	for _, purpose := range []KeyPurpose{PurposeGeneral, PurposeCredentials, PurposePII, PurposeFinancial, PurposeHealthcare} {
		require.True(t, purpose.Valid())
	}
	require.False(t, KeyPurpose("telemetry").Valid())

	require.False(t, PurposeGeneral.Sensitive())
	for _, purpose := range []KeyPurpose{PurposeCredentials, PurposePII, PurposeFinancial, PurposeHealthcare} {
		require.True(t, purpose.Sensitive(), "purpose %s", purpose)
	}
	require.False(t, KeyPurpose("telemetry").Sensitive())
}
