// Package workertest provides an in-process worker launcher for tests. Each
// launched "process" is an HTTP server listening on the worker's assigned
// address that answers the internal readiness and shutdown endpoints.
package workertest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirosfoundation/go-appshell/internal/worker"
)

// Launcher starts fake workers
type Launcher struct {
	// App serves non-management requests. Defaults to Echo.
	App http.Handler
	// Mgmt serves management commands other than ready and shutdown
	Mgmt http.Handler

	// NeverReady makes workers answer the readiness probe with 503
	NeverReady bool
	// ReadyDelay postpones the first successful readiness answer
	ReadyDelay time.Duration
	// IgnoreTerm makes processes survive SIGTERM
	IgnoreTerm bool
	// ExitOnShutdown makes processes exit when asked through /shutdown
	ExitOnShutdown bool
	// LaunchErr fails every launch
	LaunchErr error

	mu    sync.Mutex
	procs []*Process
}

// Launch implements worker.Launcher
func (l *Launcher) Launch(_ context.Context, spec worker.Spec) (worker.Process, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	ln, err := net.Listen(spec.Address.Network, spec.Address.Addr)
	if err != nil {
		return nil, err
	}

	p := &Process{
		Spec:      spec,
		launcher:  l,
		listener:  ln,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	p.srv = &http.Server{Handler: p, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = p.srv.Serve(ln) }()

	l.mu.Lock()
	p.pid = 1000 + len(l.procs)
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	return p, nil
}

// Processes returns every process launched so far
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Process is a fake worker process
type Process struct {
	Spec worker.Spec

	launcher  *Launcher
	listener  net.Listener
	srv       *http.Server
	pid       int
	startedAt time.Time

	done     chan struct{}
	exitOnce sync.Once

	probes            atomic.Int32
	shutdownRequested atomic.Bool

	mu     sync.Mutex
	termAt time.Time
	killAt time.Time
}

// Pid implements worker.Process
func (p *Process) Pid() int { return p.pid }

// Terminate implements worker.Process
func (p *Process) Terminate() error {
	p.mu.Lock()
	p.termAt = time.Now()
	p.mu.Unlock()
	if !p.launcher.IgnoreTerm {
		p.Exit()
	}
	return nil
}

// Kill implements worker.Process
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killAt = time.Now()
	p.mu.Unlock()
	p.Exit()
	return nil
}

// Wait implements worker.Process
func (p *Process) Wait() error {
	<-p.done
	return nil
}

// Exit stops the fake process as if it had crashed or exited
func (p *Process) Exit() {
	p.exitOnce.Do(func() {
		_ = p.srv.Close()
		close(p.done)
	})
}

// StopListening closes the listener while the process keeps running, so
// connections to the worker are refused
func (p *Process) StopListening() {
	_ = p.srv.Close()
}

// Exited reports whether the process has exited
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the process exits
func (p *Process) Done() <-chan struct{} { return p.done }

// Signals returns the time SIGTERM and SIGKILL were received
func (p *Process) Signals() (term, kill time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termAt, p.killAt
}

// ShutdownRequested reports whether /shutdown was called
func (p *Process) ShutdownRequested() bool { return p.shutdownRequested.Load() }

// Probes returns the number of readiness probes received
func (p *Process) Probes() int { return int(p.probes.Load()) }

// ServeHTTP answers internal endpoints and delegates everything else
func (p *Process) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, worker.MgmtPrefix); ok {
		_, cmd, _ := strings.Cut(rest, "/")
		switch cmd {
		case "ready":
			p.probes.Add(1)
			if p.launcher.NeverReady || time.Since(p.startedAt) < p.launcher.ReadyDelay {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		case "shutdown":
			p.shutdownRequested.Store(true)
			w.WriteHeader(http.StatusOK)
			if p.launcher.ExitOnShutdown {
				go p.Exit()
			}
			return
		}
		if p.launcher.Mgmt != nil {
			p.launcher.Mgmt.ServeHTTP(w, r.WithContext(withProcess(r.Context(), p)))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"worker": p.Spec.ID, "cmd": cmd})
		return
	}

	app := p.launcher.App
	if app == nil {
		app = Echo{}
	}
	app.ServeHTTP(w, r.WithContext(withProcess(r.Context(), p)))
}

type processKey struct{}

func withProcess(ctx context.Context, p *Process) context.Context {
	return context.WithValue(ctx, processKey{}, p)
}

// FromContext returns the fake process serving a request
func FromContext(ctx context.Context) (*Process, bool) {
	p, ok := ctx.Value(processKey{}).(*Process)
	return p, ok
}

// EchoResponse is written by Echo
type EchoResponse struct {
	Worker  int               `json:"worker"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Echo describes the request it received
type Echo struct{}

func (Echo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := EchoResponse{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Host:    r.Host,
		Headers: make(map[string]string),
	}
	if p, ok := FromContext(r.Context()); ok {
		resp.Worker = p.Spec.ID
	}
	for name := range r.Header {
		resp.Headers[name] = r.Header.Get(name)
	}
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		resp.Body = string(body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Worker", strconv.Itoa(resp.Worker))
	_ = json.NewEncoder(w).Encode(resp)
}

// ErrLaunch is a convenience launch failure
var ErrLaunch = errors.New("workertest: launch failed")
