package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/keystone"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key management status",
	Long:  "Display a summary of the organisation's keys, rotation policies and storage backend.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Keystone Status")
	fmt.Println("===============")

	fmt.Printf("Organisation: %s\n", organizationID)

	records, err := keySvc.ListKeys(organizationID)
	if err != nil {
		fmt.Printf("Keys: ERROR - %v\n", err)
	} else {
		counts := map[keystone.KeyStatus]int{}
		for _, record := range records {
			counts[record.Status]++
		}
		fmt.Printf("Keys: %d (active: %d, rotated: %d, revoked: %d, expired: %d)\n",
			len(records),
			counts[keystone.KeyStatusActive],
			counts[keystone.KeyStatusRotated],
			counts[keystone.KeyStatusRevoked],
			counts[keystone.KeyStatusExpired],
		)
	}

	active, err := keySvc.ListActiveKeys(organizationID)
	if err == nil {
		for _, record := range active {
			fmt.Printf("  active %s key: %s (v%d)\n", record.Purpose, record.KeyID, record.KeyVersion)
		}
	}

	policies, err := keySvc.ListRotationPolicies()
	if err != nil {
		fmt.Printf("Rotation Policies: ERROR - %v\n", err)
	} else {
		fmt.Printf("Rotation Policies: %d\n", len(policies))
	}

	fmt.Printf("Store: %s (%s)\n", exportStore.GetType(), viper.GetString("keystone.store_path"))
	if err = exportStore.Ping(); err != nil {
		fmt.Printf("Store Health: ERROR - %v\n", err)
	} else {
		fmt.Printf("Store Health: OK\n")
	}

	exports, err := exportStore.ListExports()
	if err == nil {
		valid := 0
		for _, info := range exports {
			if info.IsValid {
				valid++
			}
		}
		fmt.Printf("Persisted Exports: %d (%d valid)\n", len(exports), valid)
	}

	fmt.Printf("Audit Logging: %v\n", viper.GetBool("audit.enabled"))

	return nil
}
