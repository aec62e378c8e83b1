package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-appshell/pkg/logging"
)

// PoolWorker is one worker row of the stats answer
type PoolWorker struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Generation  uint64 `json:"generation"`
	State       string `json:"state"`
	Current     bool   `json:"current"`
	Served      int64  `json:"served"`
	Uptime      string `json:"uptime"`
}

// StatsResponse is the subset of the stats answer shown as a table
type StatsResponse struct {
	ShellVersion       int    `json:"shellVersion"`
	Uptime             float64 `json:"uptime"`
	NumMgmtRequests    int64  `json:"numMgmtRequests"`
	NumContentRequests int64  `json:"numContentRequests"`
	NumDeploys         int    `json:"numDeploys"`
	Pool               struct {
		Size       int          `json:"size"`
		CurrentSeq uint64       `json:"currentSeq"`
		Stuck      int          `json:"stuck"`
		Workers    []PoolWorker `json:"workers"`
	} `json:"pool"`
}


var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show shell and worker statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(cmd.Context(), []string{"stats"}, nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp StatsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		fmt.Fprintf(out, "Shell version:    %d\n", resp.ShellVersion)
		fmt.Fprintf(out, "Uptime:           %s\n", time.Duration(resp.Uptime*float64(time.Second)).Round(time.Second))
		fmt.Fprintf(out, "Deploys:          %d\n", resp.NumDeploys)
		fmt.Fprintf(out, "Requests:         %d content, %d management\n", resp.NumContentRequests, resp.NumMgmtRequests)
		fmt.Fprintf(out, "Generation:       %d (%d workers, %d stuck)\n\n", resp.Pool.CurrentSeq, resp.Pool.Size, resp.Pool.Stuck)

		if len(resp.Pool.Workers) == 0 {
			fmt.Fprintln(out, "No workers running.")
			return nil
		}
		headers := []string{"ID", "GEN", "STATE", "CURRENT", "SERVED", "UPTIME", "DESCRIPTION"}
		rows := make([][]string, len(resp.Pool.Workers))
		for i, w := range resp.Pool.Workers {
			current := "no"
			if w.Current {
				current = "yes"
			}
			rows[i] = []string{
				strconv.Itoa(w.ID),
				strconv.FormatUint(w.Generation, 10),
				w.State,
				current,
				strconv.FormatInt(w.Served, 10),
				w.Uptime,
				w.Description,
			}
		}
		printTable(out, headers, rows)
		return nil
	},
}

var logsCombined bool

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the shell's recent log lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "logs"
		if logsCombined {
			name = "combinedlogs"
		}
		data, err := call(cmd.Context(), []string{name}, nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		if logsCombined {
			var resp struct {
				Logs []logging.Entry `json:"logs"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			for _, e := range resp.Logs {
				printEntry(out, e)
			}
			return nil
		}

		var resp logging.Snapshot
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		for _, section := range []struct {
			name  string
			lines []logging.Entry
		}{{"ERROR", resp.Error}, {"INFO", resp.Info}, {"DEBUG", resp.Debug}} {
			fmt.Fprintf(out, "== %s (%d)\n", section.name, len(section.lines))
			for _, e := range section.lines {
				printEntry(out, e)
			}
		}
		return nil
	},
}

func printEntry(w io.Writer, e logging.Entry) {
	ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
	if e.Category != "" {
		fmt.Fprintf(w, "%s [%s] %s\n", ts, e.Category, e.Msg)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ts, e.Msg)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the shell configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(cmd.Context(), []string{"config"}, nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), data)
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Stop the shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := call(cmd.Context(), []string{"exit"}, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Shell is shutting down.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(exitCmd)

	logsCmd.Flags().BoolVar(&logsCombined, "combined", false, "Show one interleaved log instead of per-level sections")
}
