// Package worker manages a single application process: launching it on a
// private address, probing it until it reports ready, and stopping it with
// a polite request followed by SIGTERM and SIGKILL.
package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MgmtPrefix is the path prefix of the worker's internal endpoints
const MgmtPrefix = "/-tdevmgmt-/"

// State is the lifecycle state of a worker
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDying
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDying:
		return "dying"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Options configures worker supervision
type Options struct {
	DeploymentKey string
	ProbeInterval time.Duration
	ProbeAttempts int
	ShutdownGrace time.Duration
	KillGrace     time.Duration

	// OnExit is called once after the process has exited
	OnExit func(w *Worker, err error)

	Logger *zap.Logger
}

// Worker is one supervised application process
type Worker struct {
	ID         int
	Addr       Address
	Generation uint64

	opts      Options
	logger    *zap.Logger
	proc      Process
	startedAt time.Time

	state          atomic.Int32
	current        atomic.Bool
	probeExhausted atomic.Bool
	served         atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	exitErr   error

	shutdownOnce sync.Once

	transport *http.Transport
	client    *http.Client
}

// Start launches a worker process and begins probing it. The returned
// worker is in StateStarting; Ready() is closed once the probe succeeds.
func Start(ctx context.Context, launcher Launcher, id int, gen uint64, addr Address, env map[string]string, opts Options) (*Worker, error) {
	w := &Worker{
		ID:         id,
		Addr:       addr,
		Generation: gen,
		opts:       opts,
		ready:      make(chan struct{}),
		exited:     make(chan struct{}),
	}
	if w.opts.Logger == nil {
		w.opts.Logger = zap.NewNop()
	}
	w.logger = w.opts.Logger.With(zap.Int("worker", id), zap.String("address", addr.String()))

	w.transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return addr.Dial(ctx)
		},
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
	w.client = &http.Client{Transport: w.transport}

	spawnEnv := make(map[string]string, len(env)+2)
	for k, v := range env {
		spawnEnv[k] = v
	}
	spawnEnv[EnvWorkerID] = strconv.Itoa(id)
	spawnEnv[EnvPort] = addr.PortValue()

	proc, err := launcher.Launch(ctx, Spec{ID: id, Address: addr, Env: spawnEnv})
	if err != nil {
		addr.cleanup()
		return nil, err
	}
	w.proc = proc
	w.startedAt = time.Now()

	w.logger.Info("Worker start", zap.String("desc", w.Description()))

	go w.watch()
	go w.probe()

	return w, nil
}

// Ready is closed once the worker has answered its readiness probe
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Exited is closed once the process has exited
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// State returns the current lifecycle state
func (w *Worker) State() State { return State(w.state.Load()) }

// StartedAt returns the spawn time
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// ProbeExhausted reports whether the readiness probe gave up
func (w *Worker) ProbeExhausted() bool { return w.probeExhausted.Load() }

// Current reports whether the worker belongs to the routable generation
func (w *Worker) Current() bool { return w.current.Load() }

// SetCurrent marks membership of the routable generation
func (w *Worker) SetCurrent(v bool) { w.current.Store(v) }

// Served returns the number of proxied responses
func (w *Worker) Served() int64 { return w.served.Load() }

// CountServed records one proxied response
func (w *Worker) CountServed() { w.served.Add(1) }

// Pid returns the process id
func (w *Worker) Pid() int { return w.proc.Pid() }

// Transport returns the HTTP transport connected to this worker
func (w *Worker) Transport() http.RoundTripper { return w.transport }

// Client returns an HTTP client connected to this worker
func (w *Worker) Client() *http.Client { return w.client }

// Dial opens a raw connection to the worker
func (w *Worker) Dial(ctx context.Context) (net.Conn, error) { return w.Addr.Dial(ctx) }

// URL builds an absolute URL for a request path on this worker
func (w *Worker) URL(path string) string {
	return "http://" + w.Addr.Host() + path
}

// MgmtURL builds the URL of one of the worker's internal endpoints
func (w *Worker) MgmtURL(cmd string) string {
	return w.URL(MgmtPrefix + w.opts.DeploymentKey + "/" + cmd)
}

// Description identifies the worker in logs and management responses
func (w *Worker) Description() string {
	pid := "?"
	if w.proc != nil && w.State() != StateDead {
		pid = strconv.Itoa(w.proc.Pid())
	}
	return fmt.Sprintf("port:%s, pid:%s", w.Addr.PortValue(), pid)
}

func (w *Worker) watch() {
	err := w.proc.Wait()
	w.state.Store(int32(StateDead))
	w.exitErr = err
	close(w.exited)
	w.transport.CloseIdleConnections()
	w.Addr.cleanup()

	if err != nil {
		w.logger.Info("Worker exit", zap.Error(err), zap.Duration("runtime", time.Since(w.startedAt)))
	} else {
		w.logger.Info("Worker exit", zap.Duration("runtime", time.Since(w.startedAt)))
	}

	if w.opts.OnExit != nil {
		w.opts.OnExit(w, err)
	}
}

func (w *Worker) probe() {
	interval := w.opts.ProbeInterval
	if interval <= 0 {
		interval = time.Second
	}
	attempts := w.opts.ProbeAttempts
	if attempts <= 0 {
		attempts = 1
	}

	url := w.MgmtURL("ready")
	for attempt := 1; attempt <= attempts; attempt++ {
		if w.State() != StateStarting {
			return
		}
		if w.ping(url, interval) {
			if w.state.CompareAndSwap(int32(StateStarting), int32(StateReady)) {
				w.logger.Info("Worker ready", zap.Int("pings", attempt))
				w.readyOnce.Do(func() { close(w.ready) })
			}
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-w.exited:
			t.Stop()
			return
		case <-t.C:
		}
	}

	w.probeExhausted.Store(true)
	w.logger.Error("Cannot start worker", zap.Int("pings", attempts))
}

func (w *Worker) ping(url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Debug("Worker ping failed", zap.Error(err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.logger.Debug("Worker ping failed", zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// Shutdown asks the worker to exit, then escalates: SIGTERM after the
// shutdown grace period and SIGKILL after the kill grace period. Both
// deadlines are dropped when the process exits first. Only the first call
// has any effect.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() {
		for {
			s := w.State()
			if s == StateDead || s == StateDying {
				break
			}
			if w.state.CompareAndSwap(int32(s), int32(StateDying)) {
				break
			}
		}
		if w.State() == StateDead {
			return
		}

		go w.requestShutdown()
		go w.escalate()
	})
}

func (w *Worker) requestShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w.logger.Debug("Sending shutdown request")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.MgmtURL("shutdown"), nil)
	if err != nil {
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Debug("Shutdown request error", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	w.logger.Debug("Shutdown request", zap.Int("status", resp.StatusCode))
}

func (w *Worker) escalate() {
	term := time.NewTimer(w.opts.ShutdownGrace)
	defer term.Stop()
	select {
	case <-w.exited:
		return
	case <-term.C:
	}

	w.logger.Debug("Sending kill signal")
	if err := w.proc.Terminate(); err != nil {
		w.logger.Debug("SIGTERM failed", zap.Error(err))
	}

	kill := time.NewTimer(w.opts.KillGrace)
	defer kill.Stop()
	select {
	case <-w.exited:
		return
	case <-kill.C:
	}

	w.logger.Info("Worker did not exit, sending SIGKILL")
	if err := w.proc.Kill(); err != nil {
		w.logger.Debug("SIGKILL failed", zap.Error(err))
	}
}
