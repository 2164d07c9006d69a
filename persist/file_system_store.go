package persist

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/keystone/internal/crypto"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	exportExtension = ".export"
)

// FileSystemStore implements Store for the local filesystem with
// per-organization isolation and optimistic concurrency control.
type FileSystemStore struct {
	basePath       string
	organizationID string
	orgPath        string // basePath/organizationID/
	exportsDir     string // basePath/organizationID/exports/
	orgConfig      string // basePath/organizationID/org.json
	policiesFile   string // basePath/organizationID/policies.json
}

// OrgConfig records store-level metadata for an organization's data directory.
type OrgConfig struct {
	Version        string    `json:"version"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccess     time.Time `json:"last_access"`
	Structure      string    `json:"structure_version"`
	Description    string    `json:"description,omitempty"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, organizationID string) (*FileSystemStore, error) {
	if organizationID == "" {
		organizationID = "default"
	}

	if err := validateOrganizationID(organizationID); err != nil {
		return nil, fmt.Errorf("invalid organization ID: %w", err)
	}

	orgPath := filepath.Join(basePath, organizationID)

	fs := &FileSystemStore{
		basePath:       basePath,
		organizationID: organizationID,
		orgPath:        orgPath,
		exportsDir:     filepath.Join(orgPath, "exports"),
		orgConfig:      filepath.Join(orgPath, "org.json"),
		policiesFile:   filepath.Join(orgPath, "policies.json"),
	}

	for _, dir := range []string{fs.orgPath, fs.exportsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeOrgConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize org config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, organizationID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, organizationID)
}

func (fs *FileSystemStore) initializeOrgConfig() error {
	if _, err := os.Stat(fs.orgConfig); os.IsNotExist(err) {
		config := OrgConfig{
			Version:        "1.0.0",
			OrganizationID: fs.organizationID,
			CreatedAt:      time.Now(),
			LastAccess:     time.Now(),
			Structure:      "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.orgConfig, data, FilePermissions)
	}
	return nil
}

// ListOrganizations returns all organization IDs that have data in the base path
func (fs *FileSystemStore) ListOrganizations() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var orgs []string
	for _, entry := range entries {
		if entry.IsDir() {
			configPath := filepath.Join(fs.basePath, entry.Name(), "org.json")
			if _, err := os.Stat(configPath); err == nil {
				orgs = append(orgs, entry.Name())
			}
		}
	}

	sort.Strings(orgs)
	return orgs, nil
}

// DeleteOrganization removes all data for an organization
func (fs *FileSystemStore) DeleteOrganization(organizationID string) error {
	if err := validateOrganizationID(organizationID); err != nil {
		return fmt.Errorf("invalid organization ID: %w", err)
	}

	if organizationID == fs.organizationID {
		return fmt.Errorf("cannot delete current organization")
	}

	orgPath := filepath.Join(fs.basePath, organizationID)

	if _, err := os.Stat(orgPath); os.IsNotExist(err) {
		return fmt.Errorf("organization %s does not exist", organizationID)
	} else if err != nil {
		return fmt.Errorf("failed to check organization directory: %w", err)
	}

	if err := os.RemoveAll(orgPath); err != nil {
		return fmt.Errorf("failed to delete organization data: %w", err)
	}

	return nil
}

// SaveExport stores a wrapped key export with optimistic concurrency control
func (fs *FileSystemStore) SaveExport(keyID string, container *ExportContainer, expectedVersion string) (string, error) {
	if container == nil {
		return "", fmt.Errorf("export container cannot be nil")
	}
	if keyID == "" {
		return "", fmt.Errorf("key ID cannot be empty")
	}
	if err := validateExportKeyID(keyID); err != nil {
		return "", err
	}

	exportPath := fs.exportPath(keyID)

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(exportPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveExport",
			}
		}
	}

	if container.ExportID == "" {
		container.ExportID = uuid.NewString()
	}
	if container.OrganizationID == "" {
		container.OrganizationID = fs.organizationID
	}
	if container.FormatVersion == "" {
		container.FormatVersion = "v1"
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export container: %w", err)
	}

	if err = os.MkdirAll(fs.exportsDir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create exports directory: %w", err)
	}

	if err = writeSecureFile(exportPath, data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}

	return calculateFileVersion(data), nil
}

// LoadExport retrieves a wrapped key export
func (fs *FileSystemStore) LoadExport(keyID string) (*ExportContainer, error) {
	if err := validateExportKeyID(keyID); err != nil {
		return nil, err
	}

	exportPath := fs.exportPath(keyID)

	data, err := os.ReadFile(exportPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("export for key %s does not exist", keyID)
		}
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}

	var container ExportContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export file: %w", err)
	}

	if isValid, reason := validateExportContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid export file: %s", reason)
	}

	return &container, nil
}

func (fs *FileSystemStore) ExportExists(keyID string) (bool, error) {
	if err := validateExportKeyID(keyID); err != nil {
		return false, err
	}
	return fileExists(fs.exportPath(keyID))
}

// ListExports returns summary information for all stored exports
func (fs *FileSystemStore) ListExports() ([]ExportInfo, error) {
	if _, err := os.Stat(fs.exportsDir); os.IsNotExist(err) {
		return []ExportInfo{}, nil
	}

	entries, err := os.ReadDir(fs.exportsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read exports directory: %w", err)
	}

	var exports []ExportInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), exportExtension) {
			continue
		}

		filePath := filepath.Join(fs.exportsDir, entry.Name())

		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		var container ExportContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		isValid, _ := validateExportContainer(&container)

		exports = append(exports, ExportInfo{
			ExportID:       container.ExportID,
			KeyID:          container.KeyID,
			OrganizationID: container.OrganizationID,
			ExportedAt:     container.ExportedAt,
			Algorithm:      container.Algorithm,
			KDF:            container.KDF,
			FileSize:       info.Size(),
			IsValid:        isValid,
			Checksum:       container.Checksum,
			StorePath:      entry.Name(),
		})
	}

	sort.Slice(exports, func(i, j int) bool {
		return exports[i].ExportedAt.After(exports[j].ExportedAt)
	})
	return exports, nil
}

// DeleteExport removes a stored export
func (fs *FileSystemStore) DeleteExport(keyID string) error {
	if err := validateExportKeyID(keyID); err != nil {
		return err
	}

	exportPath := fs.exportPath(keyID)

	if _, err := os.Stat(exportPath); os.IsNotExist(err) {
		return fmt.Errorf("export for key %s does not exist", keyID)
	}

	if err := os.Remove(exportPath); err != nil {
		return fmt.Errorf("failed to delete export file: %w", err)
	}
	return nil
}

// SavePolicySnapshot with optimistic concurrency control
func (fs *FileSystemStore) SavePolicySnapshot(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("policy snapshot cannot be empty")
	}

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.policiesFile)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SavePolicySnapshot",
			}
		}
	}

	if err := os.MkdirAll(fs.orgPath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create organization directory: %w", err)
	}

	if err := writeSecureFile(fs.policiesFile, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

// LoadPolicySnapshot returns the versioned policy snapshot
func (fs *FileSystemStore) LoadPolicySnapshot() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.policiesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat policy snapshot: %w", err)
	}

	data, err := os.ReadFile(fs.policiesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy snapshot: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) PolicySnapshotExists() (bool, error) {
	return fileExists(fs.policiesFile)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.orgPath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.orgConfig); err == nil {
		var config OrgConfig
		if err := json.Unmarshal(configData, &config); err == nil {
			config.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
				_ = writeSecureFile(fs.orgConfig, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

func (fs *FileSystemStore) exportPath(keyID string) string {
	return filepath.Join(fs.exportsDir, keyID+exportExtension)
}

// validateExportContainer checks required fields and the wrapped-key checksum.
func validateExportContainer(container *ExportContainer) (bool, string) {
	if container.ExportID == "" {
		return false, "missing ExportID"
	}
	if container.KeyID == "" {
		return false, "missing KeyID"
	}
	if container.WrappedKey == "" {
		return false, "missing WrappedKey"
	}
	if container.Checksum == "" {
		return false, "missing Checksum"
	}

	wrapped, err := base64.StdEncoding.DecodeString(container.WrappedKey)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in WrappedKey: %v", err)
	}

	actualChecksum := crypto.CalculateChecksum(wrapped)
	if actualChecksum != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s",
			container.Checksum, actualChecksum)
	}

	return true, ""
}

// validateExportKeyID rejects key IDs that could escape the exports directory.
func validateExportKeyID(keyID string) error {
	if keyID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}
	if strings.ContainsAny(keyID, "/\\") || strings.Contains(keyID, "..") {
		return fmt.Errorf("key ID contains invalid characters")
	}
	return nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
