package cmd

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-appshell/internal/deploy"
)

// StatusResponse is the answer of deploy and writefiles
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

var (
	deployDir   string
	deployURLs  []string
	deployDMeta []string
)

// collectFiles reads every regular file below dir into inline entries
// with slash separated relative paths
func collectFiles(dir string) ([]deploy.FileEntry, error) {
	var files []deploy.FileEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, deploy.FileEntry{Path: filepath.ToSlash(rel), Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	return files, nil
}

// buildPayload assembles the deploy payload from --dir, --url and --meta
func buildPayload() (*deploy.Payload, error) {
	payload := &deploy.Payload{Files: []deploy.FileEntry{}}
	if deployDir != "" {
		files, err := collectFiles(deployDir)
		if err != nil {
			return nil, err
		}
		payload.Files = append(payload.Files, files...)
	}
	for _, spec := range deployURLs {
		path, url, ok := strings.Cut(spec, "=")
		if !ok || path == "" || url == "" {
			return nil, fmt.Errorf("invalid --url-file %q, expected PATH=URL", spec)
		}
		payload.Files = append(payload.Files, deploy.FileEntry{Path: path, URL: url})
	}
	if len(payload.Files) == 0 {
		return nil, fmt.Errorf("nothing to deploy: use --dir or --url-file")
	}
	if len(deployDMeta) > 0 {
		payload.DMeta = make(map[string]any, len(deployDMeta))
		for _, kv := range deployDMeta {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || name == "" {
				return nil, fmt.Errorf("invalid --meta %q, expected NAME=VALUE", kv)
			}
			payload.DMeta[name] = value
		}
	}
	return payload, nil
}

func runFiles(cmd *cobra.Command, command string) error {
	payload, err := buildPayload()
	if err != nil {
		return err
	}
	data, err := call(cmd.Context(), []string{command}, payload)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if output == "json" {
		return printJSON(out, data)
	}

	var resp StatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%s failed: %s", command, resp.Message)
	}
	fmt.Fprintf(out, "%d files sent, %s ok\n", len(payload.Files), command)
	return nil
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy files and restart the workers",
	Long: `Send a set of files to the shell, record a new deployment and start a
new worker generation once the files are written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFiles(cmd, "deploy")
	},
}

var writeFilesCmd = &cobra.Command{
	Use:   "writefiles",
	Short: "Write files without restarting the workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFiles(cmd, "writefiles")
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(writeFilesCmd)

	for _, c := range []*cobra.Command{deployCmd, writeFilesCmd} {
		c.Flags().StringVarP(&deployDir, "dir", "d", "", "Local directory whose files are sent inline")
		c.Flags().StringArrayVar(&deployURLs, "url-file", nil, "PATH=URL file fetched by the shell (repeatable)")
	}
	deployCmd.Flags().StringArrayVar(&deployDMeta, "meta", nil, "NAME=VALUE deployment metadata (repeatable)")
}
