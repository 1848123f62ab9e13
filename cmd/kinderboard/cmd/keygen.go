package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kinderboard/relay/key"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random server secret",
	Long: `Prints a fresh base64 secret suitable for the secret setting or a
secret file. Add the old secret to previous_secrets when rotating so
existing cookies stay readable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := key.NewSecret()
		if err != nil {
			return fmt.Errorf("failed to generate secret: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
