package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_oracle/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin JWT",
	Long: `Sign an admin token with an RSA private key. The oracle must be configured
with the matching public key, issuer and audience.

Example:
  oraclectl token --key admin.pem --subject ops@example.com --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		subject, _ := cmd.Flags().GetString("subject")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		pemBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(pemBytes))
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(key, issuer, audience, subject, ttl)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]string{
				"token":      token,
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), token)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("key", "", "RSA private key PEM file")
	tokenCmd.Flags().String("subject", "", "token subject, recorded in audit logs")
	tokenCmd.Flags().String("issuer", "oracle-admin", "token issuer")
	tokenCmd.Flags().String("audience", "oracle", "token audience")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("key")
	tokenCmd.MarkFlagRequired("subject")
}
