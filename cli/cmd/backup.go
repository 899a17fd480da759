package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage key backups",
	Long:  `Create, list, verify and restore encrypted key backups.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <key-id>",
	Short: "Back up a key",
	Long:  `Write an encrypted backup of the key to the archive and print the backup id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups",
	RunE:  runBackupList,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Verify a backup's integrity",
	Long:  `Decrypt the backup and check its payload against the stored checksum.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a key from a backup",
	Long:  `Recreate the backed-up key under a fresh id, register it active and print the new id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	backupListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id, err := manager.BackupKey(cmd.Context(), args[0])
	if err == nil {
		fmt.Println(id)
	}
	return auditCmdComplete(cmd, err, started)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	infos, err := manager.ListBackups(cmd.Context())
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(infos), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tCREATED\tEXPIRES\tSIZE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			info.ID, info.KeyID,
			info.CreatedAt.Format(time.RFC3339),
			info.ExpiresAt.Format(time.RFC3339),
			info.Size)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := manager.VerifyBackup(cmd.Context(), args[0])
	if err == nil {
		fmt.Printf("backup %s verified\n", args[0])
	}
	return auditCmdComplete(cmd, err, started)
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id, err := manager.RestoreKey(cmd.Context(), args[0])
	if err == nil {
		fmt.Println(id)
	}
	return auditCmdComplete(cmd, err, started)
}
