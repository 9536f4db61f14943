package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

type webhookList struct {
	Webhooks []webhook.Webhook `json:"webhooks"`
}

type idResult struct {
	ID string `json:"id"`
}

// webhooksCmd represents the webhooks command
var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Inspect and replay queued webhooks",
	Long:  `List inbox and outbox rows of an oracle and replay failed outgoing webhooks.`,
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhooks",
	Long: `List webhooks, newest first.

Example:
  oraclectl webhooks list --direction outgoing --status failed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		query := map[string]string{"limit": strconv.Itoa(limit)}
		if direction != "" {
			query["direction"] = direction
		}
		if status != "" {
			query["status"] = status
		}

		var out webhookList
		resp, err := newClient().R().
			SetContext(cmd.Context()).
			SetQueryParams(query).
			SetResult(&out).
			Get("/admin/webhooks")
		if err := checkResponse(resp, err); err != nil {
			return fmt.Errorf("failed to list webhooks: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, out)
			return nil
		}
		if len(out.Webhooks) == 0 {
			fmt.Fprintln(w, "No webhooks found")
			return nil
		}
		for _, wh := range out.Webhooks {
			fmt.Fprintf(w, "%s  %-8s %-17s %-22s %-9s attempts=%d task=%s\n",
				wh.ID, wh.Direction, wh.Role, wh.EventType, wh.Status, wh.Attempts, wh.TaskKey)
			if wh.ReplayOf != "" {
				fmt.Fprintf(w, "    replay of %s\n", wh.ReplayOf)
			}
		}
		return nil
	},
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay [webhook-id]",
	Short: "Replay a failed outgoing webhook",
	Long: `Queue a failed outgoing webhook again as a new pending row. The failed row
is kept for audit.

Example:
  oraclectl webhooks replay 6f1c1a52-3f0e-4a55-9a38-1d2d1e6f0b11`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out idResult
		resp, err := newClient().R().
			SetContext(cmd.Context()).
			SetPathParam("id", args[0]).
			SetResult(&out).
			Post("/admin/webhooks/{id}/replay")
		if err := checkResponse(resp, err); err != nil {
			return fmt.Errorf("failed to replay webhook: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), out)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed webhook %s as %s\n", args[0], out.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhooksCmd)
	webhooksCmd.AddCommand(webhooksListCmd)
	webhooksCmd.AddCommand(webhooksReplayCmd)

	webhooksListCmd.Flags().String("direction", "", "incoming or outgoing")
	webhooksListCmd.Flags().String("status", "", "pending, completed or failed")
	webhooksListCmd.Flags().Int("limit", 50, "maximum number of results")
}
