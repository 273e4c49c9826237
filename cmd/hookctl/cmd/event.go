package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	emitOwner          string
	emitData           string
	emitIdempotencyKey string
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Emit events",
}

var eventEmitCmd = &cobra.Command{
	Use:   "emit <type>",
	Short: "Emit an event and fan it out to subscribed endpoints",
	Example: `  hookctl event emit client.created --owner acme --data '{"client_id":"c-42"}'
  hookctl event emit report.ready --owner acme --data @report.json --idempotency-key pub-881`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData(emitData)
		if err != nil {
			return err
		}
		body, status, err := request(http.MethodPost, "/v1/events", map[string]any{
			"type":            args[0],
			"owner_id":        emitOwner,
			"data":            json.RawMessage(data),
			"idempotency_key": emitIdempotencyKey,
		})
		if err != nil {
			return err
		}
		if status != http.StatusAccepted {
			return fail(body, status)
		}
		printJSON(body)
		return nil
	},
}

// readData resolves --data: inline JSON, or @file to read from disk.
func readData(s string) ([]byte, error) {
	if s == "" {
		return []byte("{}"), nil
	}
	if s[0] == '@' {
		return os.ReadFile(s[1:])
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return []byte(s), nil
}

func init() {
	eventEmitCmd.Flags().StringVar(&emitOwner, "owner", "", "owner id the event belongs to (required)")
	eventEmitCmd.Flags().StringVar(&emitData, "data", "", "event payload as inline JSON or @file")
	eventEmitCmd.Flags().StringVar(&emitIdempotencyKey, "idempotency-key", "", "publisher idempotency key")
	eventEmitCmd.MarkFlagRequired("owner")

	eventCmd.AddCommand(eventEmitCmd)
	rootCmd.AddCommand(eventCmd)
}
