package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_oracle/internal/events"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Report task lifecycle events",
}

var taskFinishedCmd = &cobra.Command{
	Use:   "finished",
	Short: "Tell the recording oracle that a task is finished",
	Long: `Ask an exchange oracle to queue task_finished for the recording oracle.

Example:
  oraclectl task finished --chain-id 80002 --escrow 0x1234567890123456789012345678901234567890`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := taskKeyFlags(cmd)
		if err != nil {
			return err
		}

		var out idResult
		resp, err := newClient().R().
			SetContext(cmd.Context()).
			SetBody(map[string]any{"task_key": key}).
			SetResult(&out).
			Post("/admin/tasks/finished")
		if err := checkResponse(resp, err); err != nil {
			return fmt.Errorf("failed to report task: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), out)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Queued task_finished for %s: %s\n", key, out.ID)
		}
		return nil
	},
}

func addTaskKeyFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("chain-id", 0, "chain id of the escrow")
	cmd.Flags().String("escrow", "", "escrow contract address")
	cmd.MarkFlagRequired("chain-id")
	cmd.MarkFlagRequired("escrow")
}

func taskKeyFlags(cmd *cobra.Command) (events.TaskKey, error) {
	chainID, _ := cmd.Flags().GetInt64("chain-id")
	escrow, _ := cmd.Flags().GetString("escrow")
	key := events.TaskKey{ChainID: chainID, EscrowAddress: escrow}
	if err := key.Validate(); err != nil {
		return events.TaskKey{}, err
	}
	return key, nil
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskFinishedCmd)
	addTaskKeyFlags(taskFinishedCmd)
}
