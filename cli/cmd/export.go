package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/keystone"
)

var keyExportCmd = &cobra.Command{
	Use:   "export <key-id>",
	Short: "Export a key wrapped under a password",
	Long: `Export a key as a password-wrapped bundle suitable for transfer to
another organisation or for escrow. The export password is independent
of the store password and is required to import the bundle.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyExport,
}

var keyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a password-wrapped key bundle",
	Long: `Import a key bundle produced by export. A wrong password or a
tampered bundle is rejected. If an active key already exists for the
imported key's organisation and purpose, the import lands as a
decrypt-only key.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyImport,
}

var (
	exportPassword string
	exportOutPath  string
)

func init() {
	keysCmd.AddCommand(keyExportCmd)
	keysCmd.AddCommand(keyImportCmd)

	keyExportCmd.Flags().StringVar(&exportPassword, "export-password", "", "password to wrap the key with (min 8 characters)")
	keyExportCmd.Flags().StringVar(&exportOutPath, "out", "-", "output file ('-' for stdout)")
	_ = keyExportCmd.MarkFlagRequired("export-password")

	keyImportCmd.Flags().StringVar(&exportPassword, "export-password", "", "password the bundle was wrapped with")
	_ = keyImportCmd.MarkFlagRequired("export-password")
}

func runKeyExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]

	export, err := keySvc.ExportKey(keyID, exportPassword)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to export key: %w", err), started)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to serialize export: %w", err), started)
	}
	data = append(data, '\n')

	if err = writeOutput(exportOutPath, data); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if exportOutPath != "" && exportOutPath != "-" {
		fmt.Printf("Key %s exported to %s\n", keyID, exportOutPath)
	}
	return auditCmdComplete(cmd, nil, started)
}

func runKeyImport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	data, err := readInput(args[0])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read bundle: %w", err), started)
	}

	var export keystone.KeyExport
	if err = json.Unmarshal(data, &export); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to parse bundle: %w", err), started)
	}

	record, err := keySvc.ImportKey(export.WrappedKey, export.Metadata, exportPassword)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to import key: %w", err), started)
	}

	fmt.Printf("Imported key %s (purpose: %s, status: %s)\n", record.KeyID, record.Purpose, record.Status)
	return auditCmdComplete(cmd, nil, started)
}
