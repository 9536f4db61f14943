package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign a webhook and deliver it to an oracle",
	Long: `Sign a webhook and POST it to /webhooks/<as> on the target oracle. Useful for
driving an oracle by hand in development.

Example:
  oraclectl send --as job_launcher --event-type escrow_created \
    --chain-id 80002 --escrow 0x1234567890123456789012345678901234567890`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, msg, err := buildMessage(cmd)
		if err != nil {
			return err
		}
		header, _ := cmd.Flags().GetString("signature-header")

		var out idResult
		resp, err := newClient().R().
			SetContext(cmd.Context()).
			SetHeader("Content-Type", "application/json").
			SetHeader(header, msg.Signature).
			SetBody(msg.Body).
			SetResult(&out).
			Post("/webhooks/" + url.PathEscape(string(role)))
		if err := checkResponse(resp, err); err != nil {
			return fmt.Errorf("failed to send webhook: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), out)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Webhook accepted: %s\n", out.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addMessageFlags(sendCmd)
	sendCmd.Flags().String("signature-header", "Human-Signature", "header carrying the signature")
}
