package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/signing"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

type signedMessage struct {
	Body      string `json:"body"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

func addMessageFlags(cmd *cobra.Command) {
	addTaskKeyFlags(cmd)
	cmd.Flags().String("as", "", "role the webhook is sent as")
	cmd.Flags().String("event-type", "", "event type")
	cmd.Flags().String("data", "{}", "event data JSON")
	cmd.Flags().String("key", "", "hex private key (default $ORACLE_PRIVATE_KEY)")
	cmd.MarkFlagRequired("as")
	cmd.MarkFlagRequired("event-type")
}

// buildMessage checks the event against the registry for the sending role
// and returns its canonical body and signature
func buildMessage(cmd *cobra.Command) (events.Role, signedMessage, error) {
	key, err := taskKeyFlags(cmd)
	if err != nil {
		return "", signedMessage{}, err
	}
	as, _ := cmd.Flags().GetString("as")
	role, err := events.ParseRole(as)
	if err != nil {
		return "", signedMessage{}, err
	}
	typ, _ := cmd.Flags().GetString("event-type")
	data, _ := cmd.Flags().GetString("data")

	registry, err := events.NewRegistry()
	if err != nil {
		return "", signedMessage{}, err
	}
	if err := registry.Validate(role, events.Type(typ), json.RawMessage(data)); err != nil {
		return "", signedMessage{}, err
	}

	hexKey, _ := cmd.Flags().GetString("key")
	if hexKey == "" {
		hexKey = os.Getenv("ORACLE_PRIVATE_KEY")
	}
	if hexKey == "" {
		return "", signedMessage{}, fmt.Errorf("a private key is required (--key or ORACLE_PRIVATE_KEY)")
	}
	signer, err := signing.NewSigner(hexKey)
	if err != nil {
		return "", signedMessage{}, err
	}

	msg := webhook.Message{TaskKey: key, EventType: events.Type(typ), EventData: json.RawMessage(data)}
	body, err := msg.Canonical()
	if err != nil {
		return "", signedMessage{}, err
	}
	sig, err := signer.Sign(body)
	if err != nil {
		return "", signedMessage{}, err
	}
	return role, signedMessage{Body: string(body), Signature: sig, Signer: signer.Address().Hex()}, nil
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the canonical body and signature of a webhook",
	Long: `Build a webhook body the way oracles do and sign it with an Ethereum key.

Example:
  oraclectl sign --as exchange_oracle --event-type task_finished \
    --chain-id 80002 --escrow 0x1234567890123456789012345678901234567890`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, msg, err := buildMessage(cmd)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, msg)
			return nil
		}
		fmt.Fprintf(w, "Body:      %s\n", msg.Body)
		fmt.Fprintf(w, "Signature: %s\n", msg.Signature)
		fmt.Fprintf(w, "Signer:    %s\n", msg.Signer)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	addMessageFlags(signCmd)
}
