package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/armor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key store health",
	Long:  `Compile a point-in-time snapshot: key counts by status and purpose, backup coverage, and keys due for rotation within a day.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	snap, err := armor.NewMaintenanceCoordinator(manager).Status(cmd.Context())
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		fmt.Println(snap.String())
		return auditCmdComplete(cmd, nil, started)
	}

	fmt.Printf("Generated: %s\n\n", snap.Generated.Format(time.RFC3339))
	fmt.Println("Keys by status:")
	for status, count := range snap.Keys {
		fmt.Printf("  %-18s %d\n", status, count)
	}
	fmt.Println("\nKeys by purpose:")
	for purpose, count := range snap.ByPurpose {
		fmt.Printf("  %-18s %d\n", purpose, count)
	}
	fmt.Printf("\nBackups: %d\n", snap.Backups)
	if len(snap.DueSoon) > 0 {
		fmt.Println("\nDue for rotation within 24h:")
		for _, id := range snap.DueSoon {
			fmt.Printf("  %s\n", id)
		}
	}
	return auditCmdComplete(cmd, nil, started)
}
