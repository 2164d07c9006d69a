package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for durable key-management artifacts.
// A store instance is bound to a single organization. Two kinds of
// artifact are persisted: password-wrapped key exports (for escrow and
// transfer) and rotation policy snapshots. All key material passed to
// this interface is already wrapped by the service layer; the store
// never sees plaintext keys.
type Store interface {

	// Organizations

	// ListOrganizations retrieves the IDs of all organizations that
	// have data in this store's backing location.
	ListOrganizations() ([]string, error)

	// DeleteOrganization removes all persisted data for the given
	// organization. The store's own organization cannot be deleted.
	DeleteOrganization(organizationID string) error

	// Key exports

	// SaveExport stores a wrapped key export container under the given
	// key ID. When expectedVersion is non-empty the write only succeeds
	// if the stored version matches, otherwise a ConcurrencyError is
	// returned.
	SaveExport(keyID string, container *ExportContainer, expectedVersion string) (newVersion string, err error)

	// LoadExport retrieves the export container for the given key ID.
	LoadExport(keyID string) (*ExportContainer, error)

	// ExportExists checks whether an export is present for the key ID.
	ExportExists(keyID string) (bool, error)

	// ListExports returns summary information for all exports stored
	// for this organization, including checksum validation results.
	ListExports() ([]ExportInfo, error)

	// DeleteExport removes the export stored for the given key ID.
	DeleteExport(keyID string) error

	// Policy snapshots

	// SavePolicySnapshot stores the serialized rotation policies for
	// this organization with optimistic concurrency control.
	SavePolicySnapshot(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadPolicySnapshot retrieves the serialized rotation policies.
	LoadPolicySnapshot() (*VersionedData, error)

	// PolicySnapshotExists checks whether a policy snapshot is present.
	PolicySnapshotExists() (bool, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// ExportContainer is the outer persisted format for a wrapped key
// export. The WrappedKey field holds the password-sealed key material
// produced by the service layer, base64 encoded; the container adds
// the identification and integrity metadata needed to manage exports
// without unwrapping them.
type ExportContainer struct {
	// ExportID is a UUID assigned when the export is persisted.
	ExportID string `json:"export_id"`

	// KeyID identifies the exported key.
	KeyID string `json:"key_id"`

	// OrganizationID identifies the owning organization.
	OrganizationID string `json:"organization_id"`

	// ExportedAt is when the export was created.
	ExportedAt time.Time `json:"exported_at"`

	// FormatVersion tracks the container layout for migrations.
	FormatVersion string `json:"format_version"`

	// Algorithm is the AEAD scheme used to wrap the key.
	Algorithm string `json:"algorithm"`

	// KDF names the key derivation function the wrapping key was
	// derived with.
	KDF string `json:"kdf"`

	// Salt, Nonce and AuthTag are the unwrap parameters, base64
	// encoded. They are unusable without the export password.
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	AuthTag string `json:"auth_tag"`

	// WrappedKey is the sealed key payload, base64 encoded.
	WrappedKey string `json:"wrapped_key"`

	// Checksum is a SHA-256 hash of the decoded WrappedKey bytes, used
	// to detect corruption without unwrapping.
	Checksum string `json:"checksum"`
}

// ExportInfo holds summary metadata about a stored export that is
// available without the export password.
type ExportInfo struct {
	ExportID       string    `json:"export_id"`
	KeyID          string    `json:"key_id"`
	OrganizationID string    `json:"organization_id"`
	ExportedAt     time.Time `json:"exported_at"`
	Algorithm      string    `json:"algorithm"`
	KDF            string    `json:"kdf"`
	FileSize       int64     `json:"file_size"`

	// IsValid indicates the result of the checksum validation.
	IsValid bool `json:"is_valid"`

	Checksum string `json:"checksum"`

	// StorePath is the store-agnostic path or object key the export
	// lives under.
	StorePath string `json:"store_path"`
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/keystone"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen
	// backend. For StoreTypeS3 this includes keys like "Bucket" and
	// "Endpoint"; for StoreTypeFileSystem, "base_path".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem stores artifacts on the local filesystem.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores artifacts in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
