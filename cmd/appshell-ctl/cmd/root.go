// Package cmd contains all CLI commands for appshell-ctl.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-appshell/pkg/mgmtclient"
)

var (
	// Global flags
	shellURL  string
	key       string
	encrypted bool
	output    string
)

// call runs one management command against the configured shell
func call(ctx context.Context, command []string, data any) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("--key or APPSHELL_KEY is required")
	}
	client, err := mgmtclient.New(shellURL, key, encrypted)
	if err != nil {
		return nil, err
	}
	return client.Call(ctx, command, data)
}

// printJSON formats and prints JSON output
func printJSON(w io.Writer, data []byte) error {
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, data, "", "  "); err != nil {
		// If it's not valid JSON, just print as-is
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintln(w, formatted.String())
	return err
}

// printTable prints data in a simple table format
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Fprintf(w, "%-*s  ", widths[i], h)
	}
	fmt.Fprintln(w)

	for i := range headers {
		fmt.Fprintf(w, "%s  ", strings.Repeat("-", widths[i]))
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(w, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "appshell-ctl",
	Short: "CLI tool for managing a running appshell",
	Long: `appshell-ctl talks to the management protocol of an appshell.

It provides commands for:
  - Inspecting the shell: stats, logs, config
  - Deploying files and restarting workers
  - Reading and changing the channel configuration
  - Running commands on the host and requests against workers

Examples:
  # Show pool and shell statistics
  appshell-ctl stats

  # Deploy a directory and restart the workers
  appshell-ctl deploy --dir ./build

  # Change an app setting through the encrypted channel
  appshell-ctl --encrypted setconfig MODE=blue

Environment Variables:
  APPSHELL_URL  Base URL of the shell (default: http://localhost:4242)
  APPSHELL_KEY  Deployment key`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&shellURL, "url", "u", getEnvOrDefault("APPSHELL_URL", "http://localhost:4242"), "Shell base URL")
	rootCmd.PersistentFlags().StringVarP(&key, "key", "k", os.Getenv("APPSHELL_KEY"), "Deployment key")
	rootCmd.PersistentFlags().BoolVarP(&encrypted, "encrypted", "e", false, "Seal requests with the deployment key")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
