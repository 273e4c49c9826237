package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the api service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, status, err := request(http.MethodGet, "/healthz", nil)
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
	rootCmd.AddCommand(healthCmd)
}
