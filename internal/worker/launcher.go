package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment variables handed to every worker process
const (
	EnvWorkerID       = "TD_WORKER_ID"
	EnvDeploymentMeta = "TD_DEPLOYMENT_META"
	EnvPort           = "PORT"
)

// Process is a running worker process
type Process interface {
	Pid() int
	// Terminate asks the process to exit (SIGTERM)
	Terminate() error
	// Kill forces the process to exit (SIGKILL)
	Kill() error
	// Wait blocks until the process exits
	Wait() error
}

// Spec describes the process to launch for one worker
type Spec struct {
	ID      int
	Address Address
	Env     map[string]string
}

// Launcher starts worker processes
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs the application command with os/exec. Each process gets
// its own process group so signals reach its children too.
type ExecLauncher struct {
	Command []string
	Dir     string
	Logger  *zap.Logger
}

// Launch implements Launcher. The process outlives ctx; it is stopped
// through Terminate and Kill.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("worker: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	setProcessGroup(cmd)

	logger := l.Logger.With(zap.Int("worker", spec.ID))
	cmd.Stdout = &lineWriter{emit: func(line string) { logger.Debug(line) }}
	cmd.Stderr = &lineWriter{emit: func(line string) { logger.Info("CHILD_ERR: " + line) }}
	// grandchildren holding the output pipes must not block Wait forever
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Command[0], err)
	}

	return &execProcess{cmd: cmd}, nil
}

// lineWriter logs process output one line at a time
type lineWriter struct {
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// mergeEnv overlays values on top of a NAME=VALUE environment
func mergeEnv(base []string, overlay map[string]string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[name]; ok {
			continue
		}
		out = append(out, kv)
	}
	names := make([]string, 0, len(overlay))
	for name := range overlay {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, name+"="+overlay[name])
	}
	return out
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error { return signalGroup(p.cmd.Process, sigTerm) }

func (p *execProcess) Kill() error { return signalGroup(p.cmd.Process, sigKill) }

func (p *execProcess) Wait() error { return p.cmd.Wait() }
