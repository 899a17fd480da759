package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"southwinds.dev/armor"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [data]",
	Short: "Encrypt data into a self-describing envelope",
	Long: `Encrypt data under a key selected for the given classification and
print the envelope. Reads from stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [envelope]",
	Short: "Decrypt an envelope",
	Long:  `Decrypt a wire-form envelope using the key it names and print the plaintext. Reads from stdin when no argument is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDecrypt,
}

var (
	classification string
	keyID          string
	complianceTags []string
	region         string
)

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)

	encryptCmd.Flags().StringVar(&classification, "classification", string(armor.ClassificationInternal), "data classification (public, internal, confidential, restricted, top-secret)")
	encryptCmd.Flags().StringVar(&keyID, "key", "", "encrypt under an explicit key id instead of selecting one")
	encryptCmd.Flags().StringSliceVar(&complianceTags, "compliance", nil, "required compliance tag (repeatable)")
	encryptCmd.Flags().StringVar(&region, "region", "", "geographic region of the data")
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	data, err := readInput(args)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	var envelope string
	if keyID != "" {
		envelope, err = engine.EncryptWithKey(cmd.Context(), data, keyID, armor.EncryptOptions{})
	} else {
		envelope, err = engine.Encrypt(cmd.Context(), data, armor.EncryptionContext{
			Classification:         armor.Classification(classification),
			UserID:                 cliContext.UserID,
			ComplianceRequirements: complianceTags,
			GeographicRegion:       region,
		})
	}
	if err == nil {
		fmt.Println(envelope)
	}
	return auditCmdComplete(cmd, err, started)
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	data, err := readInput(args)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	result, err := engine.Decrypt(cmd.Context(), string(data), armor.EncryptionContext{
		UserID: cliContext.UserID,
	})
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if !result.IntegrityVerified {
		fmt.Fprintln(os.Stderr, "warning: integrity hash mismatch")
	}
	os.Stdout.Write(result.Plaintext)
	return auditCmdComplete(cmd, nil, started)
}

// readInput returns the single argument or, absent one, everything on
// stdin with a trailing newline trimmed.
func readInput(args []string) ([]byte, error) {
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return data, nil
}
