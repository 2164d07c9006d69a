package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/keystone"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt data under the organisation's active key",
	Long: `Encrypt data with envelope encryption. The active key for the given
purpose is used; when none exists one is provisioned automatically. The
output is a self-describing JSON envelope carrying the key reference
needed for later decryption.`,
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt an envelope",
	Long:  `Decrypt a JSON envelope produced by the encrypt command. The envelope names the key it was encrypted under; that key must still be usable.`,
	RunE:  runDecrypt,
}

var (
	inputPath   string
	outputPath  string
	cryptType   string
	dataPurpose string
)

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)

	encryptCmd.Flags().StringVar(&inputPath, "in", "-", "input file ('-' for stdin)")
	encryptCmd.Flags().StringVar(&outputPath, "out", "-", "output file ('-' for stdout)")
	encryptCmd.Flags().StringVar(&dataPurpose, "purpose", "general", "key purpose to encrypt under")
	encryptCmd.Flags().StringVar(&cryptType, "data-type", "", "free-form label describing the data")

	decryptCmd.Flags().StringVar(&inputPath, "in", "-", "envelope file ('-' for stdin)")
	decryptCmd.Flags().StringVar(&outputPath, "out", "-", "output file ('-' for stdout)")
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	purpose, err := requirePurpose(dataPurpose)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	plaintext, err := readInput(inputPath)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read input: %w", err), started)
	}

	envelope, err := keySvc.Encrypt(plaintext, organizationID, purpose, cryptType)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("encryption failed: %w", err), started)
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to serialize envelope: %w", err), started)
	}
	data = append(data, '\n')

	return auditCmdComplete(cmd, writeOutput(outputPath, data), started)
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	data, err := readInput(inputPath)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read envelope: %w", err), started)
	}

	var envelope keystone.EncryptedEnvelope
	if err = json.Unmarshal(data, &envelope); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to parse envelope: %w", err), started)
	}

	plaintext, err := keySvc.Decrypt(&envelope)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("decryption failed: %w", err), started)
	}

	return auditCmdComplete(cmd, writeOutput(outputPath, plaintext), started)
}
