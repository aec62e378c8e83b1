package mgmt

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// RunCLIRequest is the payload of the runcli command. Without Args the
// command line is run through sh -c.
type RunCLIRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// RunCLIResult is the outcome of a runcli command
type RunCLIResult struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func (h *Handler) cmdRunCLI(r *request) (any, error) {
	var req RunCLIRequest
	if err := r.decode(&req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, statusErr(http.StatusBadRequest, "command is required")
	}

	var cmd *exec.Cmd
	if req.Args == nil {
		cmd = exec.CommandContext(r.ctx(), "sh", "-c", req.Command)
	} else {
		cmd = exec.CommandContext(r.ctx(), req.Command, req.Args...)
	}
	cmd.Dir = req.Cwd
	if len(req.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Info("Running command", zap.String("command", req.Command), zap.Strings("args", req.Args))

	res := &RunCLIResult{}
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.Code = exitErr.ExitCode()
	default:
		res.Code = -1
		stderr.WriteString(err.Error())
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}
