package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/armor"
)

var hashCmd = &cobra.Command{
	Use:   "hash [data]",
	Short: "Hash data with a salted, peppered algorithm",
	Long: `Hash data and print the hash record as JSON. Each invocation draws a
fresh salt, so repeated runs produce different records that all verify.
Reads from stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHash,
}

var verifyHashCmd = &cobra.Command{
	Use:   "verify-hash <record> [data]",
	Short: "Verify data against a hash record",
	Long:  `Verify data against a JSON hash record produced by the hash command. Data reads from stdin when not given.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runVerifyHash,
}

var hashAlgorithm string

func init() {
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(verifyHashCmd)

	hashCmd.Flags().StringVar(&hashAlgorithm, "algorithm", "", "hash algorithm (argon2id, bcrypt, pbkdf2-sha256, sha256, sha512)")
	hashCmd.Flags().BoolVar(&jsonOutput, "json", true, "Output the record as JSON")
}

func runHash(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	data, err := readInput(args)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	record, err := engine.Hash(data, armor.HashOptions{
		Algorithm: armor.HashAlgorithm(hashAlgorithm),
	})
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(record), started)
	}
	fmt.Println(base64.StdEncoding.EncodeToString(record.Hash))
	return auditCmdComplete(cmd, nil, started)
}

func runVerifyHash(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	var record armor.HashRecord
	if err := json.Unmarshal([]byte(args[0]), &record); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("malformed hash record: %w", err), started)
	}
	data, err := readInput(args[1:])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	ok, err := engine.VerifyHash(data, &record)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if ok {
		fmt.Println("match")
		return auditCmdComplete(cmd, nil, started)
	}
	return auditCmdComplete(cmd, fmt.Errorf("no match"), started)
}
