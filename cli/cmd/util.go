package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"southwinds.dev/keystone"
	"southwinds.dev/keystone/internal/crypto"
	"southwinds.dev/keystone/persist"
)

// exportToContainer converts a service-layer key export into the
// persisted container format, base64 encoding the binary fields and
// stamping the integrity checksum.
func exportToContainer(keyID string, export *keystone.KeyExport) *persist.ExportContainer {
	return &persist.ExportContainer{
		KeyID:          keyID,
		OrganizationID: organizationID,
		ExportedAt:     export.Metadata.ExportedAt,
		Algorithm:      export.Metadata.Algorithm,
		KDF:            export.Metadata.KDF,
		Salt:           base64.StdEncoding.EncodeToString(export.Metadata.Salt),
		Nonce:          base64.StdEncoding.EncodeToString(export.Metadata.Nonce),
		AuthTag:        base64.StdEncoding.EncodeToString(export.Metadata.AuthTag),
		WrappedKey:     base64.StdEncoding.EncodeToString(export.WrappedKey),
		Checksum:       crypto.CalculateChecksum(export.WrappedKey),
	}
}

// containerToExport is the inverse of exportToContainer.
func containerToExport(container *persist.ExportContainer) ([]byte, keystone.ExportMetadata, error) {
	var meta keystone.ExportMetadata

	wrapped, err := base64.StdEncoding.DecodeString(container.WrappedKey)
	if err != nil {
		return nil, meta, fmt.Errorf("invalid wrapped key encoding: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(container.Salt)
	if err != nil {
		return nil, meta, fmt.Errorf("invalid salt encoding: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(container.Nonce)
	if err != nil {
		return nil, meta, fmt.Errorf("invalid nonce encoding: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(container.AuthTag)
	if err != nil {
		return nil, meta, fmt.Errorf("invalid auth tag encoding: %w", err)
	}

	meta = keystone.ExportMetadata{
		KeyID:      container.KeyID,
		Algorithm:  container.Algorithm,
		KDF:        container.KDF,
		Salt:       salt,
		Nonce:      nonce,
		AuthTag:    tag,
		ExportedAt: container.ExportedAt,
	}
	return wrapped, meta, nil
}

// loadPolicies restores the organisation's rotation policies from the
// persisted snapshot, if one exists.
func loadPolicies() error {
	exists, err := exportStore.PolicySnapshotExists()
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	snapshot, err := exportStore.LoadPolicySnapshot()
	if err != nil {
		return err
	}

	var policies []keystone.RotationPolicy
	if err = json.Unmarshal(snapshot.Data, &policies); err != nil {
		return fmt.Errorf("failed to parse policy snapshot: %w", err)
	}

	for _, policy := range policies {
		if err = keySvc.SetRotationPolicy(policy); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to restore policy %s/%s: %v\n",
				policy.OrganizationID, policy.Purpose, err)
		}
	}
	return nil
}

// savePolicies snapshots the current rotation policies.
func savePolicies() error {
	policies, err := keySvc.ListRotationPolicies()
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		return nil
	}

	data, err := json.Marshal(policies)
	if err != nil {
		return fmt.Errorf("failed to serialize policies: %w", err)
	}

	_, err = exportStore.SavePolicySnapshot(data, "")
	return err
}

// requirePurpose parses and validates a --purpose flag value.
func requirePurpose(value string) (keystone.KeyPurpose, error) {
	purpose := keystone.KeyPurpose(value)
	if !purpose.Valid() {
		return "", fmt.Errorf("invalid purpose %q. Valid purposes: general, credentials, pii, financial, healthcare", value)
	}
	return purpose, nil
}

// readInput reads data from a file, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// writeOutput writes data to a file, or stdout when path is empty or "-".
func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}
