package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/armor/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  `Query recorded audit events by action, key, time window and outcome.`,
	RunE:  runAuditQuery,
}

var (
	auditAction string
	auditKeyID  string
	auditSince  string
	auditLimit  int
	auditFailed bool
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action, e.g. key_rotated")
	auditCmd.Flags().StringVar(&auditKeyID, "key", "", "filter by key id")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only events after this RFC3339 instant")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to return")
	auditCmd.Flags().BoolVar(&auditFailed, "failed", false, "only failed operations")
	auditCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options := audit.QueryOptions{
		Action: auditAction,
		KeyID:  auditKeyID,
		Limit:  auditLimit,
	}
	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("bad --since value: %w", err), started)
		}
		options.Since = &since
	}
	if auditFailed {
		failed := false
		options.Success = &failed
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(result), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOK\tKEY\tERROR")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339), event.Action, event.Success, event.KeyID, event.Error)
	}
	if err = w.Flush(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if result.HasMore {
		fmt.Printf("showing %d of %d events\n", len(result.Events), result.Filtered)
	}
	return auditCmdComplete(cmd, nil, started)
}
