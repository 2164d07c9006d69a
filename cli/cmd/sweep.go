package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keystone"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run key maintenance",
	Long: `Run a key maintenance pass: rotate keys whose policy interval has
elapsed, destroy retired keys past their deletion grace period, and
expire keys past their expiry date. With --interval the command keeps
running and sweeps periodically until interrupted.`,
	RunE: runSweep,
}

var sweepInterval time.Duration

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "keep running and sweep at this interval (e.g. 1h); 0 runs once")
}

func runSweep(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if sweepInterval <= 0 {
		report, err := keySvc.RunSweep(time.Now().UTC())
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("sweep failed: %w", err), started)
		}
		printSweepReport(report)
		return auditCmdComplete(cmd, nil, started)
	}

	fmt.Printf("Running maintenance sweeps every %s. Press Ctrl+C to stop.\n", sweepInterval)

	scheduler := keystone.NewScheduler(keySvc, sweepInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scheduler.Start(ctx)

	fmt.Println("Scheduler stopped.")
	return auditCmdComplete(cmd, nil, started)
}

func printSweepReport(report *keystone.SweepReport) {
	fmt.Printf("Sweep complete: %d rotated, %d deleted, %d expired\n",
		len(report.Rotated), report.Deleted, report.Expired)
	for _, keyID := range report.Rotated {
		fmt.Printf("  rotated -> %s\n", keyID)
	}
	for _, err := range report.Errors {
		fmt.Fprintf(os.Stderr, "  error: %v\n", err)
	}
}
