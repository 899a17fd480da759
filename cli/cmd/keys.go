package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/armor"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
	Long:  `Manage encryption keys: creation, listing, rotation, disabling and usage inspection.`,
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new encryption key",
	Long:  `Generate a new key for the given purpose and register it active. Prints the new key id.`,
	RunE:  runKeyCreate,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active encryption keys",
	Long:  `List the active keys for a purpose with status, version, creation time and rotation schedule.`,
	RunE:  runKeyList,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate an encryption key",
	Long: `Generate a successor with fresh material, archive the predecessor and
print the successor's id. Existing ciphertext stays decryptable under the
archived key.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyRotate,
}

var keyDisableCmd = &cobra.Command{
	Use:   "disable <key-id>",
	Short: "Disable an encryption key",
	Long:  `Take a key out of service. Disabled keys never encrypt again but remain decrypt-capable.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyDisable,
}

var keyUsageCmd = &cobra.Command{
	Use:   "usage <key-id>",
	Short: "Show a key's usage statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyUsage,
}

var (
	keyPurpose  string
	keySize     int
	keyExpiry   time.Duration
	keyRegions  []string
	keyTags     []string
	jsonOutput  bool
	rotateEvery time.Duration
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyCreateCmd)
	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyDisableCmd)
	keysCmd.AddCommand(keyUsageCmd)

	keyCreateCmd.Flags().StringVar(&keyPurpose, "purpose", string(armor.PurposeDataEncryption), "key purpose")
	keyCreateCmd.Flags().IntVar(&keySize, "size", 0, "key size in bits (128, 192, 256)")
	keyCreateCmd.Flags().DurationVar(&keyExpiry, "expires-in", 0, "expiry from now, e.g. 8760h")
	keyCreateCmd.Flags().DurationVar(&rotateEvery, "rotate-every", 0, "rotation interval, e.g. 2160h")
	keyCreateCmd.Flags().StringSliceVar(&keyRegions, "region", nil, "geographic region the key may serve (repeatable)")
	keyCreateCmd.Flags().StringSliceVar(&keyTags, "compliance", nil, "compliance tag carried by the key (repeatable)")

	keyListCmd.Flags().StringVar(&keyPurpose, "purpose", string(armor.PurposeDataEncryption), "key purpose")
	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	keyUsageCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runKeyCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id, err := manager.CreateKey(cmd.Context(), armor.KeyTypeSymmetric, armor.KeyPurpose(keyPurpose), armor.KeyOptions{
		Size:             keySize,
		ExpiresIn:        keyExpiry,
		RotationInterval: rotateEvery,
		Regions:          keyRegions,
		Compliance:       keyTags,
	})
	if err == nil {
		fmt.Println(id)
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keys, err := manager.GetActiveKeys(cmd.Context(), armor.KeyPurpose(keyPurpose))
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(keys), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tSIZE\tCREATED\tNEXT ROTATION")
	for _, k := range keys {
		next := "-"
		if !k.Rotation.NextRotation.IsZero() {
			next = k.Rotation.NextRotation.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
			k.ID, k.Version, k.Status, k.Size, k.CreatedAt.Format(time.RFC3339), next)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	successor, err := manager.RotateKey(cmd.Context(), args[0])
	if err == nil {
		fmt.Println(successor)
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyDisable(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := manager.DisableKey(cmd.Context(), args[0])
	if err == nil {
		fmt.Printf("key %s disabled\n", args[0])
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyUsage(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	stats, err := manager.GetKeyUsage(cmd.Context(), args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(stats), started)
	}

	fmt.Printf("Encryptions: %d (%d bytes)\n", stats.EncryptCount, stats.BytesIn)
	fmt.Printf("Decryptions: %d (%d bytes)\n", stats.DecryptCount, stats.BytesOut)
	if !stats.FirstUsed.IsZero() {
		fmt.Printf("First used:  %s\n", stats.FirstUsed.Format(time.RFC3339))
		fmt.Printf("Last used:   %s\n", stats.LastUsed.Format(time.RFC3339))
	}
	return auditCmdComplete(cmd, nil, started)
}

func printJSON(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
