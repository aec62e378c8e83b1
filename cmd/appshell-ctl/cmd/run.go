package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-appshell/internal/mgmt"
)

var (
	runStdin string
	runCwd   string
	runShell bool

	workerBody string
)

var runCmd = &cobra.Command{
	Use:   "run COMMAND [ARGS...]",
	Short: "Run a command on the shell host",
	Long: `Run a command next to the shell and print its output. With --sh the
arguments are joined and passed to sh -c.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := mgmt.RunCLIRequest{Stdin: runStdin, Cwd: runCwd}
		if runShell {
			req.Command = strings.Join(args, " ")
		} else {
			req.Command = args[0]
			req.Args = append([]string{}, args[1:]...)
		}

		data, err := call(cmd.Context(), []string{"runcli"}, req)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), data)
		}

		var res mgmt.RunCLIResult
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
		if res.Code != 0 {
			return fmt.Errorf("command exited with code %d", res.Code)
		}
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker METHOD URL",
	Short: "Send a request to one worker",
	Long:  `Send an HTTP request to a worker of the current generation and print its answer.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := mgmt.WorkerRequest{Method: strings.ToUpper(args[0]), URL: args[1]}
		if workerBody != "" {
			if json.Valid([]byte(workerBody)) {
				req.Body = json.RawMessage(workerBody)
			} else {
				quoted, err := json.Marshal(workerBody)
				if err != nil {
					return err
				}
				req.Body = quoted
			}
		}

		data, err := call(cmd.Context(), []string{"worker"}, req)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), data)
		}

		var resp mgmt.WorkerResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Status: %d\n", resp.Code)
		for name, value := range resp.Headers {
			fmt.Fprintf(out, "%s: %s\n", name, value)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, resp.Resp)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info [PATH...]",
	Short: "Ask every worker the same management question",
	Long: `Forward a management request to every running worker and print one
answer per worker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(cmd.Context(), append([]string{"info"}, args...), nil)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), data)
		}

		var resp struct {
			Workers []mgmt.InfoEntry `json:"workers"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		rows := make([][]string, len(resp.Workers))
		for i, e := range resp.Workers {
			body, err := json.Marshal(e.Body)
			if err != nil {
				return err
			}
			rows[i] = []string{e.Worker, strconv.Itoa(e.Code), string(body)}
		}
		printTable(cmd.OutOrStdout(), []string{"WORKER", "CODE", "ANSWER"}, rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(infoCmd)

	runCmd.Flags().StringVar(&runStdin, "stdin", "", "Text passed on standard input")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "Working directory on the shell host")
	runCmd.Flags().BoolVar(&runShell, "sh", false, "Run the joined arguments through sh -c")
	// keep flags of the remote command out of cobra's way
	runCmd.Flags().SetInterspersed(false)

	workerCmd.Flags().StringVar(&workerBody, "body", "", "Request body, sent as JSON when valid JSON")
}
