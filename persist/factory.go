package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, organizationID string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, organizationID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, organizationID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateOrganizationID validates the organization ID for security
func validateOrganizationID(organizationID string) error {
	if organizationID == "" {
		return fmt.Errorf("organization ID cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(organizationID, "..") ||
		strings.Contains(organizationID, "/") ||
		strings.Contains(organizationID, "\\") ||
		strings.Contains(organizationID, " ") {
		return fmt.Errorf("organization ID contains invalid characters")
	}

	// Length check
	if len(organizationID) > 100 {
		return fmt.Errorf("organization ID too long (max 100 characters)")
	}

	return nil
}
