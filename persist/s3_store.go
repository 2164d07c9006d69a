package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend
// with per-organization isolation.
//
// S3 object structure:
//
//	bucketName/
//	├── [keyPrefix/]org1/
//	│   ├── org.config          # Store metadata for org1
//	│   ├── policies.json       # Rotation policy snapshot for org1
//	│   └── exports/
//	│       ├── key_org1_....export   # Wrapped key export
//	│       └── key_org1_....export
//	└── [keyPrefix/]org2/
//	    ├── org.config
//	    ├── policies.json
//	    └── exports/...
type S3Store struct {
	// client is the MinIO client used to interact with the S3 endpoint.
	client *minio.Client

	// bucketName is the bucket holding all organization data.
	bucketName string

	// keyPrefix is an optional key namespace within the bucket, useful
	// when multiple applications share one bucket.
	keyPrefix string

	// organizationID identifies the organization this store instance
	// serves. All reads and writes are scoped under it.
	organizationID string
}

// NewS3Store initializes a new S3Store using the provided configuration
// and organization ID. It connects to the S3 endpoint, ensures the
// bucket exists, and initializes the organization's config object. An
// empty organization ID defaults to "default".
func NewS3Store(config S3Config, organizationID string) (*S3Store, error) {
	if organizationID == "" {
		organizationID = "default"
	}

	if err := validateOrganizationID(organizationID); err != nil {
		return nil, fmt.Errorf("invalid organization ID: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:         client,
		bucketName:     config.Bucket,
		keyPrefix:      config.KeyPrefix,
		organizationID: organizationID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeOrgConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize org config: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, organizationID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, organizationID)
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucket.
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) initializeOrgConfig(ctx context.Context) error {
	objectName := s3s.buildOrgPath("org.config")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			config := OrgConfig{
				Version:        "1.0.0",
				OrganizationID: s3s.organizationID,
				CreatedAt:      time.Now().UTC(),
				LastAccess:     time.Now().UTC(),
				Structure:      "v1",
			}

			data, err := json.MarshalIndent(config, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal org config: %w", err)
			}

			_, err = s3s.client.PutObject(
				ctx,
				s3s.bucketName,
				objectName,
				bytes.NewReader(data),
				int64(len(data)),
				minio.PutObjectOptions{
					ContentType: "application/json",
					UserMetadata: map[string]string{
						"data-type":         "org-config",
						"organization-id":   s3s.organizationID,
						"version":           config.Version,
						"structure-version": config.Structure,
						"created-at":        config.CreatedAt.Format(time.RFC3339),
					},
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create org config: %w", err)
			}
		} else {
			return fmt.Errorf("failed to check org config: %w", err)
		}
	}

	return nil
}

// ListOrganizations returns all organization IDs that have data in the bucket
func (s3s *S3Store) ListOrganizations() ([]string, error) {
	basePrefix := s3s.keyPrefix
	if basePrefix != "" && !strings.HasSuffix(basePrefix, "/") {
		basePrefix = basePrefix + "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: true,
	})

	orgSet := make(map[string]bool)
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}

		relativePath := strings.TrimPrefix(object.Key, basePrefix)
		parts := strings.Split(relativePath, "/")
		if len(parts) > 0 && parts[0] != "" {
			orgSet[parts[0]] = true
		}
	}

	var orgs []string
	for org := range orgSet {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs, nil
}

// DeleteOrganization removes all data for an organization
func (s3s *S3Store) DeleteOrganization(organizationID string) error {
	if err := validateOrganizationID(organizationID); err != nil {
		return fmt.Errorf("invalid organization ID: %w", err)
	}

	if organizationID == s3s.organizationID {
		return fmt.Errorf("cannot delete current organization")
	}

	orgPrefix := s3s.buildPathForOrg(organizationID) + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    orgPrefix,
		Recursive: true,
	})

	var objectNames []string
	for object := range objectCh {
		if object.Err != nil {
			return fmt.Errorf("failed to list organization objects: %w", object.Err)
		}
		objectNames = append(objectNames, object.Key)
	}

	if len(objectNames) == 0 {
		return fmt.Errorf("organization %s not found or has no data", organizationID)
	}

	for _, objectName := range objectNames {
		err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{})
		if err != nil {
			// An object deleted concurrently is not a failure
			if minioErr := minio.ToErrorResponse(err); minioErr.Code != "NoSuchKey" {
				return fmt.Errorf("failed to delete object %s: %w", objectName, err)
			}
		}
	}

	return nil
}

// SaveExport stores a wrapped key export with optimistic concurrency control
func (s3s *S3Store) SaveExport(keyID string, container *ExportContainer, expectedVersion string) (string, error) {
	if container == nil {
		return "", fmt.Errorf("export container cannot be nil")
	}
	if err := validateExportKeyID(keyID); err != nil {
		return "", err
	}

	objectName := s3s.exportObjectName(keyID)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
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
		container.OrganizationID = s3s.organizationID
	}
	if container.FormatVersion == "" {
		container.FormatVersion = "v1"
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export container: %w", err)
	}

	_, err = s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":       "key-export",
				"organization-id": s3s.organizationID,
				"key-id":          keyID,
				"export-id":       container.ExportID,
				"exported-at":     container.ExportedAt.Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to store export: %w", err)
	}

	return calculateFileVersion(data), nil
}

// LoadExport retrieves a wrapped key export
func (s3s *S3Store) LoadExport(keyID string) (*ExportContainer, error) {
	if err := validateExportKeyID(keyID); err != nil {
		return nil, err
	}

	objectName := s3s.exportObjectName(keyID)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, err := s3s.getObject(ctx, objectName)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("export for key %s does not exist", keyID)
		}
		return nil, fmt.Errorf("failed to load export: %w", err)
	}

	var container ExportContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export: %w", err)
	}

	if isValid, reason := validateExportContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid export: %s", reason)
	}

	return &container, nil
}

func (s3s *S3Store) ExportExists(keyID string) (bool, error) {
	if err := validateExportKeyID(keyID); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	return s3s.objectExists(ctx, s3s.exportObjectName(keyID))
}

// ListExports returns summary information for all stored exports
func (s3s *S3Store) ListExports() ([]ExportInfo, error) {
	exportsPrefix := s3s.buildOrgPath("exports") + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    exportsPrefix,
		Recursive: true,
	})

	var exports []ExportInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list exports: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") || !strings.HasSuffix(object.Key, exportExtension) {
			continue
		}

		data, err := s3s.getObject(ctx, object.Key)
		if err != nil {
			continue
		}

		var container ExportContainer
		if err := json.Unmarshal(data, &container); err != nil {
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
			FileSize:       object.Size,
			IsValid:        isValid,
			Checksum:       container.Checksum,
			StorePath:      object.Key,
		})
	}

	sort.Slice(exports, func(i, j int) bool {
		return exports[i].ExportedAt.After(exports[j].ExportedAt)
	})
	return exports, nil
}

// DeleteExport removes a stored export
func (s3s *S3Store) DeleteExport(keyID string) error {
	if err := validateExportKeyID(keyID); err != nil {
		return err
	}

	objectName := s3s.exportObjectName(keyID)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.objectExists(ctx, objectName)
	if err != nil {
		return fmt.Errorf("failed to check export: %w", err)
	}
	if !exists {
		return fmt.Errorf("export for key %s does not exist", keyID)
	}

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete export: %w", err)
	}
	return nil
}

// SavePolicySnapshot with optimistic concurrency control
func (s3s *S3Store) SavePolicySnapshot(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("policy snapshot cannot be empty")
	}

	objectName := s3s.buildOrgPath("policies.json")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
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

	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":       "policy-snapshot",
				"organization-id": s3s.organizationID,
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to store policy snapshot: %w", err)
	}

	return calculateFileVersion(data), nil
}

// LoadPolicySnapshot returns the versioned policy snapshot
func (s3s *S3Store) LoadPolicySnapshot() (*VersionedData, error) {
	objectName := s3s.buildOrgPath("policies.json")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	stat, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("policy snapshot does not exist")
		}
		return nil, fmt.Errorf("failed to stat policy snapshot: %w", err)
	}

	data, err := s3s.getObject(ctx, objectName)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy snapshot: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: stat.LastModified,
	}, nil
}

func (s3s *S3Store) PolicySnapshotExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	return s3s.objectExists(ctx, s3s.buildOrgPath("policies.json"))
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Ping tests connectivity to the S3 endpoint
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	return err
}

func (s3s *S3Store) Close() error {
	// The MinIO client holds no resources needing explicit release
	return nil
}

// Path helpers

func (s3s *S3Store) buildOrgPath(parts ...string) string {
	return s3s.buildPathForOrg(s3s.organizationID, parts...)
}

func (s3s *S3Store) buildPathForOrg(organizationID string, parts ...string) string {
	segments := []string{}
	if s3s.keyPrefix != "" {
		segments = append(segments, strings.TrimSuffix(s3s.keyPrefix, "/"))
	}
	segments = append(segments, organizationID)
	segments = append(segments, parts...)
	return strings.Join(segments, "/")
}

func (s3s *S3Store) exportObjectName(keyID string) string {
	return s3s.buildOrgPath("exports", keyID+exportExtension)
}

// Object helpers

func (s3s *S3Store) getObject(ctx context.Context, objectName string) ([]byte, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	data, err := s3s.getObject(ctx, objectName)
	if err != nil {
		if isNotFound(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func (s3s *S3Store) objectExists(ctx context.Context, objectName string) (bool, error) {
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.Code == "NoSuchKey" || minioErr.Code == "NoSuchBucket"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
