package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-appshell/internal/storage"
)

// AppSetting is one entry of the channel configuration
type AppSetting struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// mergeSettings applies NAME=VALUE assignments to the settings of doc.
// An empty value removes the setting.
func mergeSettings(doc storage.Document, assignments []string) ([]AppSetting, error) {
	current := storage.AppSettings(doc)
	for _, kv := range assignments {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid setting %q, expected NAME=VALUE", kv)
		}
		if value == "" {
			delete(current, name)
			continue
		}
		current[name] = value
	}

	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)

	settings := make([]AppSetting, len(names))
	for i, name := range names {
		settings[i] = AppSetting{Name: name, Value: current[name]}
	}
	return settings, nil
}

var getConfigCmd = &cobra.Command{
	Use:   "getconfig",
	Short: "Show the channel configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(cmd.Context(), []string{"getconfig"}, nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var doc storage.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		settings, err := mergeSettings(doc, nil)
		if err != nil {
			return err
		}
		if len(settings) == 0 {
			fmt.Fprintln(out, "No app settings.")
			return nil
		}
		rows := make([][]string, len(settings))
		for i, s := range settings {
			rows[i] = []string{s.Name, s.Value}
		}
		printTable(out, []string{"NAME", "VALUE"}, rows)
		return nil
	},
}

var setConfigCmd = &cobra.Command{
	Use:   "setconfig NAME=VALUE...",
	Short: "Change app settings and restart the workers",
	Long: `Merge the given settings into the channel configuration. A setting with
an empty value is removed. The shell restarts its workers with the new
environment.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(cmd.Context(), []string{"getconfig"}, nil)
		if err != nil {
			return err
		}
		var doc storage.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		settings, err := mergeSettings(doc, args)
		if err != nil {
			return err
		}

		data, err = call(cmd.Context(), []string{"setconfig"}, map[string]any{"AppSettings": settings})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}
		fmt.Fprintf(out, "%d app settings stored.\n", len(settings))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getConfigCmd)
	rootCmd.AddCommand(setConfigCmd)
}
