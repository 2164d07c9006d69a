package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"southwinds.dev/keystone"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage rotation policies",
	Long:  `Manage per-purpose rotation policies controlling automatic key rotation intervals and deletion grace periods.`,
}

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the rotation policy for a purpose",
	RunE:  runPolicySet,
}

var policyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the rotation policy for a purpose",
	RunE:  runPolicyGet,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rotation policies",
	RunE:  runPolicyList,
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply rotation policies from a YAML file",
	Long: `Apply rotation policies from a YAML file. The file holds a list of
policies; entries without an organisation ID default to the current
organisation. Existing policies for the same (organisation, purpose)
pair are replaced.

Example file:

  - purpose: financial
    rotation_interval_days: 90
    grace_period_days: 30
    auto_rotation: true
  - organization_id: globex
    purpose: pii
    rotation_interval_days: 30
    grace_period_days: 7
    auto_rotation: true`,
	RunE: runPolicyApply,
}

var (
	policyPurpose      string
	policyIntervalDays int
	policyGraceDays    int
	policyAutoRotate   bool
	policyFile         string
)

func init() {
	rootCmd.AddCommand(policyCmd)

	policyCmd.AddCommand(policySetCmd)
	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyApplyCmd)

	policyApplyCmd.Flags().StringVarP(&policyFile, "file", "f", "", "YAML file holding the policies to apply")
	policyApplyCmd.MarkFlagRequired("file")

	policySetCmd.Flags().StringVar(&policyPurpose, "purpose", "general", "key purpose the policy applies to")
	policySetCmd.Flags().IntVar(&policyIntervalDays, "interval-days", 90, "days between automatic rotations")
	policySetCmd.Flags().IntVar(&policyGraceDays, "grace-days", 30, "days a retired key stays available for decryption")
	policySetCmd.Flags().BoolVar(&policyAutoRotate, "auto", true, "enable automatic rotation by the maintenance sweep")

	policyGetCmd.Flags().StringVar(&policyPurpose, "purpose", "general", "key purpose")
	policyGetCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	policyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	purpose, err := requirePurpose(policyPurpose)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	policy := keystone.RotationPolicy{
		OrganizationID:       organizationID,
		Purpose:              purpose,
		RotationIntervalDays: policyIntervalDays,
		GracePeriodDays:      policyGraceDays,
		AutoRotation:         policyAutoRotate,
	}

	if err = keySvc.SetRotationPolicy(policy); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to set rotation policy: %w", err), started)
	}

	fmt.Printf("Rotation policy set for %s/%s: every %d days, %d day grace period, auto=%t\n",
		organizationID, purpose, policyIntervalDays, policyGraceDays, policyAutoRotate)

	return auditCmdComplete(cmd, nil, started)
}

func runPolicyGet(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	purpose, err := requirePurpose(policyPurpose)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	policy, err := keySvc.GetRotationPolicy(organizationID, purpose)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read rotation policy: %w", err), started)
	}
	if policy == nil {
		return auditCmdComplete(cmd, fmt.Errorf("no rotation policy for %s/%s", organizationID, purpose), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(policy), started)
	}

	fmt.Printf("Organisation: %s\n", policy.OrganizationID)
	fmt.Printf("Purpose: %s\n", policy.Purpose)
	fmt.Printf("Rotation interval: %d days\n", policy.RotationIntervalDays)
	fmt.Printf("Grace period: %d days\n", policy.GracePeriodDays)
	fmt.Printf("Auto rotation: %t\n", policy.AutoRotation)

	return auditCmdComplete(cmd, nil, started)
}

// policyFileEntry mirrors RotationPolicy with YAML field names.
type policyFileEntry struct {
	OrganizationID       string   `yaml:"organization_id"`
	Purpose              string   `yaml:"purpose"`
	RotationIntervalDays int      `yaml:"rotation_interval_days"`
	GracePeriodDays      int      `yaml:"grace_period_days"`
	AutoRotation         bool     `yaml:"auto_rotation"`
	RequiresApproval     bool     `yaml:"requires_approval"`
	Approvers            []string `yaml:"approvers"`
}

func runPolicyApply(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	data, err := os.ReadFile(policyFile)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read policy file: %w", err), started)
	}

	var entries []policyFileEntry
	if err = yaml.Unmarshal(data, &entries); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to parse policy file: %w", err), started)
	}
	if len(entries) == 0 {
		return auditCmdComplete(cmd, fmt.Errorf("policy file %s holds no policies", policyFile), started)
	}

	applied := 0
	for i, entry := range entries {
		org := entry.OrganizationID
		if org == "" {
			org = organizationID
		}
		purpose, err := requirePurpose(entry.Purpose)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("policy %d: %w", i+1, err), started)
		}
		policy := keystone.RotationPolicy{
			OrganizationID:       org,
			Purpose:              purpose,
			RotationIntervalDays: entry.RotationIntervalDays,
			GracePeriodDays:      entry.GracePeriodDays,
			AutoRotation:         entry.AutoRotation,
			RequiresApproval:     entry.RequiresApproval,
			Approvers:            entry.Approvers,
		}
		if err = keySvc.SetRotationPolicy(policy); err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("policy %d (%s/%s): %w", i+1, org, purpose, err), started)
		}
		applied++
	}

	fmt.Printf("Applied %d rotation policies from %s\n", applied, policyFile)
	return auditCmdComplete(cmd, nil, started)
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	policies, err := keySvc.ListRotationPolicies()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list policies: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(policies), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ORGANISATION\tPURPOSE\tINTERVAL\tGRACE\tAUTO\n")
	for _, policy := range policies {
		fmt.Fprintf(w, "%s\t%s\t%dd\t%dd\t%t\n",
			policy.OrganizationID,
			policy.Purpose,
			policy.RotationIntervalDays,
			policy.GracePeriodDays,
			policy.AutoRotation,
		)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}
