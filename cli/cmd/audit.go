package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keystone/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  `Query recorded audit events with filters on action, time range, outcome and compliance relevance.`,
	RunE:  runAuditQuery,
}

var (
	auditAction     string
	auditSince      string
	auditFailures   bool
	auditCompliance bool
	auditLimit      int
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (e.g. encryption_key_rotated)")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only events after this time (RFC3339 or duration like 24h)")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditCmd.Flags().BoolVar(&auditCompliance, "compliance", false, "only compliance-relevant events")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events to show")
	auditCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		OrganizationID: organizationID,
		Action:         auditAction,
		ComplianceOnly: auditCompliance,
		Limit:          auditLimit,
	}

	if auditFailures {
		failed := false
		options.Success = &failed
	}

	if auditSince != "" {
		since, err := parseSince(auditSince)
		if err != nil {
			return err
		}
		options.Since = &since
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIMESTAMP\tACTION\tOK\tRESOURCE\tCONTEXT\n")
	for _, event := range result.Events {
		context := event.BusinessContext
		if context == "" && event.Error != "" {
			context = event.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			event.Success,
			event.ResourceID,
			context,
		)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nShowing %d of %d events\n", len(result.Events), result.TotalCount)
	return nil
}

// parseSince accepts either an RFC3339 timestamp or a relative duration
// like "24h" or "30m".
func parseSince(value string) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since value %q: use RFC3339 or a duration like 24h", value)
	}
	return t, nil
}
