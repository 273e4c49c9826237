package cmd

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	epOwner      string
	epEventTypes []string
	epTimeout    int
	epMaxRetries int
	epLimit      int
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
}

var endpointCreateCmd = &cobra.Command{
	Use:   "create <url>",
	Short: "Register a webhook endpoint",
	Long: `Register a webhook endpoint. The response contains the signing secret
exactly once; store it, it cannot be retrieved again.`,
	Example: `  hookctl endpoint create https://app.example.com/hooks --owner acme --events client.created,report.ready`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, status, err := request(http.MethodPost, "/v1/endpoints", map[string]any{
			"owner_id":        epOwner,
			"url":             args[0],
			"event_types":     epEventTypes,
			"timeout_seconds": epTimeout,
			"max_retries":     epMaxRetries,
		})
		if err != nil {
			return err
		}
		if status != http.StatusCreated {
			return fail(body, status)
		}
		printJSON(body)
		return nil
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, status, err := request(http.MethodGet, "/v1/endpoints?owner_id="+url.QueryEscape(epOwner), nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fail(body, status)
		}
		printJSON(body)
		return nil
	},
}

var endpointDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate an endpoint; its in-flight deliveries fail without further attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, status, err := request(http.MethodDelete, "/v1/endpoints/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		if status != http.StatusNoContent {
			return fail(body, status)
		}
		return nil
	},
}

var endpointDeliveriesCmd = &cobra.Command{
	Use:   "deliveries <id>",
	Short: "Show recent deliveries for an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/endpoints/" + url.PathEscape(args[0]) + "/deliveries?limit=" + strconv.Itoa(epLimit)
		body, status, err := request(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fail(body, status)
		}
		printJSON(body)
		return nil
	},
}

func init() {
	endpointCreateCmd.Flags().StringVar(&epOwner, "owner", "", "owner id (required)")
	endpointCreateCmd.Flags().StringSliceVar(&epEventTypes, "events", nil, "event types to subscribe to (required)")
	endpointCreateCmd.Flags().IntVar(&epTimeout, "timeout-seconds", 0, "per-attempt timeout, 0 for the system default")
	endpointCreateCmd.Flags().IntVar(&epMaxRetries, "max-retries", 0, "max attempts, 0 for the system default")
	endpointCreateCmd.MarkFlagRequired("owner")
	endpointCreateCmd.MarkFlagRequired("events")

	endpointListCmd.Flags().StringVar(&epOwner, "owner", "", "owner id (required)")
	endpointListCmd.MarkFlagRequired("owner")

	endpointDeliveriesCmd.Flags().IntVar(&epLimit, "limit", 50, "max deliveries to return")

	endpointCmd.AddCommand(endpointCreateCmd, endpointListCmd, endpointDeactivateCmd, endpointDeliveriesCmd)
	rootCmd.AddCommand(endpointCmd)
}
