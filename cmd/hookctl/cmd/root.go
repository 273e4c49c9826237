// Package cmd implements the hookctl command tree.
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverAddr string
	timeout    time.Duration
	prettyJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "hookctl",
	Short: "hookctl - operate the hookrelay webhook delivery service",
	Long: `hookctl is a command line tool for the hookrelay webhook delivery
service. Use it to emit events, register and inspect endpoints, and check
delivery state while debugging a failing integration.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hookctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "hookrelay api base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "indent JSON output")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hookctl")
	}
	viper.SetEnvPrefix("HOOKCTL")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
	if v := viper.GetString("server"); v != "" {
		serverAddr = v
	}
	if v := viper.GetDuration("timeout"); v > 0 {
		timeout = v
	}
}

// request sends a JSON request to the api service and returns the raw body.
func request(method, path string, body any) ([]byte, int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, 0, err
		}
	}
	req, err := http.NewRequest(method, serverAddr+path, &buf)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return b, resp.StatusCode, err
}

// printJSON writes body to stdout, indented when --pretty is set.
func printJSON(body []byte) {
	if len(body) == 0 {
		return
	}
	if prettyJSON {
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err == nil {
			fmt.Println(out.String())
			return
		}
	}
	fmt.Println(string(body))
}

func fail(body []byte, status int) error {
	return fmt.Errorf("server returned %d: %s", status, string(body))
}
