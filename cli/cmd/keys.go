package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keystone"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage encryption keys",
	Long:  `Manage encryption keys including generation, derivation, rotation, revocation and scheduled deletion.`,
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new encryption key",
	Long:  `Generate a new random encryption key for the organisation and purpose. Fails if an active key already exists for the pair; use rotate instead.`,
	RunE:  runKeyGenerate,
}

var keyDeriveCmd = &cobra.Command{
	Use:   "derive <master-key-id>",
	Short: "Derive a key from an existing master key",
	Long:  `Derive a new encryption key deterministically from an existing master key using a key derivation function and salt.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyDerive,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List encryption keys",
	Long:  `List encryption keys for the organisation with their status, purpose, version and lifecycle timestamps.`,
	RunE:  runKeyList,
}

var keyInfoCmd = &cobra.Command{
	Use:   "info <key-id>",
	Short: "Show detailed information about a specific key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyInfo,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the active encryption key",
	Long:  `Generate a new key version for the organisation and purpose and retire the current active key. The retired key remains available for decryption until its deletion grace period elapses.`,
	RunE:  runKeyRotate,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an encryption key",
	Long:  `Immediately revoke a key. Revoked keys cannot encrypt or decrypt; data encrypted solely under a revoked key becomes unreadable.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRevoke,
}

var keyScheduleDeleteCmd = &cobra.Command{
	Use:   "schedule-delete <key-id>",
	Short: "Schedule a key for deletion",
	Long:  `Mark a key for destruction after a grace period. The key material is wiped by a later maintenance sweep once the period elapses.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyScheduleDelete,
}

// Flags
var (
	jsonOutput  bool
	keyPurpose  string
	expiresDays int
	deriveKDF   string
	deriveSalt  string
	revokeWhy   string
	graceDays   int
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyGenerateCmd)
	keysCmd.AddCommand(keyDeriveCmd)
	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyInfoCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyRevokeCmd)
	keysCmd.AddCommand(keyScheduleDeleteCmd)

	keyGenerateCmd.Flags().StringVar(&keyPurpose, "purpose", "general", "key purpose (general, credentials, pii, financial, healthcare)")
	keyGenerateCmd.Flags().IntVar(&expiresDays, "expires-days", 0, "days until the key expires (0 = never)")

	keyDeriveCmd.Flags().StringVar(&keyPurpose, "purpose", "general", "purpose for the derived key")
	keyDeriveCmd.Flags().StringVar(&deriveKDF, "kdf", keystone.KDFPBKDF2SHA256, "key derivation function (pbkdf2-sha256, scrypt, argon2id)")
	keyDeriveCmd.Flags().StringVar(&deriveSalt, "salt", "", "base64-encoded derivation salt (min 8 bytes)")

	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyInfoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	keyRotateCmd.Flags().StringVar(&keyPurpose, "purpose", "general", "purpose whose active key to rotate")

	keyRevokeCmd.Flags().StringVar(&revokeWhy, "reason", "", "reason for revocation (recorded in the audit trail)")

	keyScheduleDeleteCmd.Flags().IntVar(&graceDays, "grace-days", 30, "grace period in days before the key is destroyed")
}

func runKeyGenerate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	purpose, err := requirePurpose(keyPurpose)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	record, err := keySvc.Generate(organizationID, purpose, expiresDays)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to generate key: %w", err), started)
	}

	fmt.Printf("Generated key %s\n", record.KeyID)
	fmt.Printf("Organisation: %s\n", record.OrganizationID)
	fmt.Printf("Purpose: %s\n", record.Purpose)
	fmt.Printf("Algorithm: %s\n", record.Algorithm)
	if record.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", record.ExpiresAt.Format(time.RFC3339))
	}

	return auditCmdComplete(cmd, nil, started)
}

func runKeyDerive(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	masterKeyID := args[0]

	purpose, err := requirePurpose(keyPurpose)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	salt, err := base64.StdEncoding.DecodeString(deriveSalt)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("invalid salt encoding: %w", err), started)
	}

	record, err := keySvc.Derive(masterKeyID, keystone.DerivationConfig{
		Algorithm: deriveKDF,
		Salt:      salt,
	}, organizationID, purpose)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to derive key: %w", err), started)
	}

	fmt.Printf("Derived key %s from %s\n", record.KeyID, masterKeyID)
	fmt.Printf("Purpose: %s\n", record.Purpose)
	fmt.Printf("KDF: %s\n", deriveKDF)

	return auditCmdComplete(cmd, nil, started)
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	records, err := keySvc.ListKeys(organizationID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list keys: %w", err), started)
	}

	if jsonOutput {
		output := make([]map[string]interface{}, 0, len(records))
		for _, record := range records {
			output = append(output, keyRecordInfo(record))
		}
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(output), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "KEY ID\tPURPOSE\tSTATUS\tVERSION\tCREATED\tEXPIRES\n")

	for _, record := range records {
		expires := "-"
		if record.ExpiresAt != nil {
			expires = record.ExpiresAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			record.KeyID,
			record.Purpose,
			record.Status,
			record.KeyVersion,
			record.CreatedAt.Format("2006-01-02 15:04:05"),
			expires,
		)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyInfo(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]

	record, err := keySvc.DescribeKey(keyID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("key %s not found: %w", keyID, err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(keyRecordInfo(record)), started)
	}

	fmt.Printf("Key ID: %s\n", record.KeyID)
	fmt.Printf("Organisation: %s\n", record.OrganizationID)
	fmt.Printf("Purpose: %s\n", record.Purpose)
	fmt.Printf("Algorithm: %s\n", record.Algorithm)
	fmt.Printf("Status: %s\n", record.Status)
	fmt.Printf("Version: %d\n", record.KeyVersion)
	fmt.Printf("Created: %s\n", record.CreatedAt.Format(time.RFC3339))
	if record.DerivedFrom != "" {
		fmt.Printf("Derived from: %s\n", record.DerivedFrom)
	}
	if record.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", record.ExpiresAt.Format(time.RFC3339))
	}
	if record.RotatedAt != nil {
		fmt.Printf("Rotated: %s\n", record.RotatedAt.Format(time.RFC3339))
	}
	if record.DeleteAfter != nil {
		fmt.Printf("Scheduled deletion: %s\n", record.DeleteAfter.Format(time.RFC3339))
	}

	return auditCmdComplete(cmd, nil, started)
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	purpose, err := requirePurpose(keyPurpose)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Rotating %s key for organisation: %s\n", purpose, organizationID)
	fmt.Print("The current active key will be retired to decrypt-only. Continue? (y/N): ")

	var response string
	_, _ = fmt.Scanln(&response)

	if response != "y" && response != "Y" {
		fmt.Println("Key rotation cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	newKey, err := keySvc.Rotate(organizationID, purpose)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rotate key: %w", err), started)
	}

	fmt.Println("Key rotation completed successfully!")
	fmt.Printf("New key ID: %s\n", newKey.KeyID)
	fmt.Printf("Version: %d\n", newKey.KeyVersion)
	fmt.Printf("Created at: %s\n", newKey.CreatedAt.Format(time.RFC3339))

	return auditCmdComplete(cmd, nil, started)
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]

	fmt.Printf("WARNING: Revoking key %s makes data encrypted solely under it unreadable.\n", keyID)
	fmt.Print("Are you sure? Type 'REVOKE' to confirm: ")

	var confirmation string
	_, _ = fmt.Scanln(&confirmation)

	if confirmation != "REVOKE" {
		fmt.Println("Key revocation cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := keySvc.Revoke(keyID, revokeWhy); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to revoke key: %w", err), started)
	}

	fmt.Printf("Key %s has been revoked.\n", keyID)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyScheduleDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]

	if err := keySvc.ScheduleDeletion(keyID, graceDays); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to schedule deletion: %w", err), started)
	}

	fmt.Printf("Key %s scheduled for deletion in %d days.\n", keyID, graceDays)
	return auditCmdComplete(cmd, nil, started)
}

func keyRecordInfo(record *keystone.KeyRecord) map[string]interface{} {
	return map[string]interface{}{
		"key_id":          record.KeyID,
		"organization_id": record.OrganizationID,
		"purpose":         string(record.Purpose),
		"algorithm":       record.Algorithm,
		"status":          string(record.Status),
		"version":         record.KeyVersion,
		"created_at":      record.CreatedAt,
		"derived_from":    record.DerivedFrom,
		"expires_at":      record.ExpiresAt,
		"rotated_at":      record.RotatedAt,
		"delete_after":    record.DeleteAfter,
	}
}
