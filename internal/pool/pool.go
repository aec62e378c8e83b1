// Package pool runs the application as generations of identical workers.
// A reload starts a complete new generation next to the current one and
// swaps it in only once every member answers its readiness probe; the old
// generation is then shut down. Routing reads the current generation
// without taking locks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-appshell/internal/worker"
)

var (
	// ErrSuperseded is returned by Reload when a newer reload started first
	ErrSuperseded = errors.New("pool: reload superseded")
	// ErrWorkerExited is returned by Reload when a worker exits before it is ready
	ErrWorkerExited = errors.New("pool: worker exited before it was ready")
	// ErrClosed is returned once the manager has been closed
	ErrClosed = errors.New("pool: closed")
)

// Generation is the set of workers started by one reload
type Generation struct {
	Seq     uint64
	Workers []*worker.Worker
}

// Options configures the manager
type Options struct {
	// Workers is the configured pool size; negative values scale with CPUs
	Workers float64
	// CPUs overrides runtime.NumCPU for sizing
	CPUs        int
	FileSockets bool

	RestartInterval time.Duration
	Warmup          time.Duration
	StableAfter     time.Duration
	// CheckInterval is the mean period of the restart check loop
	CheckInterval time.Duration

	Worker worker.Options
}

// EnvFunc returns the environment overlay for newly spawned workers
type EnvFunc func() map[string]string

// RefreshFunc runs before a scheduled restart
type RefreshFunc func(ctx context.Context) error

// Manager owns the worker generations
type Manager struct {
	opts     Options
	launcher worker.Launcher
	logger   *zap.Logger
	env      EnvFunc
	refresh  RefreshFunc

	current atomic.Pointer[Generation]

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu              sync.Mutex
	seq             uint64
	cancelBatch     context.CancelFunc
	all             []*worker.Worker
	pending         map[*worker.Worker]struct{}
	nextID          int
	size            int
	restartInterval time.Duration
	restartAt       time.Time
	readyCh         chan struct{}
	closed          bool

	reloads atomic.Int64
	swaps   atomic.Int64
	heals   atomic.Int64
}

// PoolSize resolves the configured worker count. Negative values are
// multiplied by the number of CPUs; the result is rounded and at least 1.
func PoolSize(workers float64, cpus int) int {
	if workers < 0 {
		workers = math.Round(float64(cpus) * -workers)
	}
	n := int(math.Round(workers))
	if n <= 0 {
		n = 1
	}
	return n
}

// NewManager creates a manager. No workers run until the first Reload.
func NewManager(opts Options, launcher worker.Launcher, env EnvFunc, refresh RefreshFunc, logger *zap.Logger) *Manager {
	if opts.CPUs <= 0 {
		opts.CPUs = runtime.NumCPU()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 2 * time.Second
	}
	if env == nil {
		env = func() map[string]string { return nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:            opts,
		launcher:        launcher,
		logger:          logger.Named("pool"),
		env:             env,
		refresh:         refresh,
		baseCtx:         ctx,
		baseCancel:      cancel,
		pending:         make(map[*worker.Worker]struct{}),
		size:            PoolSize(opts.Workers, opts.CPUs),
		restartInterval: opts.RestartInterval,
		readyCh:         make(chan struct{}),
	}
	m.opts.Worker.OnExit = m.onExit
	if m.opts.Worker.Logger == nil {
		m.opts.Worker.Logger = logger.Named("worker")
	}
	return m
}

// Size returns the number of workers per generation
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Current returns the routable generation, or nil before the first swap
func (m *Manager) Current() *Generation {
	return m.current.Load()
}

// Workers returns the routable workers
func (m *Manager) Workers() []*worker.Worker {
	if g := m.current.Load(); g != nil {
		return g.Workers
	}
	return nil
}

// Pick returns a uniformly random worker of the current generation. When no
// worker is routable it waits for the next swap or for ctx.
func (m *Manager) Pick(ctx context.Context) (*worker.Worker, error) {
	for {
		if w := m.pickNow(); w != nil {
			return w, nil
		}

		m.mu.Lock()
		ch := m.readyCh
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		// a swap between the first check and reading ch is seen here
		if w := m.pickNow(); w != nil {
			return w, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) pickNow() *worker.Worker {
	g := m.current.Load()
	if g == nil || len(g.Workers) == 0 {
		return nil
	}
	return g.Workers[rand.IntN(len(g.Workers))]
}

// Reload starts a new generation and waits until it is swapped in, fails, or
// is superseded. Cancelling ctx stops the wait, not the reload.
func (m *Manager) Reload(ctx context.Context) error {
	done, err := m.startReload()
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerReload starts a new generation without waiting for it
func (m *Manager) TriggerReload() {
	if _, err := m.startReload(); err != nil {
		m.logger.Debug("Reload not started", zap.Error(err))
	}
}

func (m *Manager) startReload() (<-chan error, error) {
	env := m.env()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.seq++
	seq := m.seq
	if m.cancelBatch != nil {
		m.cancelBatch()
	}
	bctx, cancel := context.WithCancel(m.baseCtx)
	m.cancelBatch = cancel
	m.suppressLocked(m.opts.Warmup)
	size := m.size
	firstID := m.nextID + 1
	m.nextID += size
	m.mu.Unlock()

	m.reloads.Add(1)
	m.logger.Info("Reloading workers", zap.Uint64("seq", seq), zap.Int("workers", size))

	done := make(chan error, 1)
	go func() {
		err := m.runReload(bctx, seq, size, firstID, env)
		cancel()
		if err != nil && !errors.Is(err, ErrSuperseded) {
			m.logger.Error("Reload failed", zap.Uint64("seq", seq), zap.Error(err))
		}
		done <- err
	}()
	return done, nil
}

func (m *Manager) runReload(ctx context.Context, seq uint64, size, firstID int, env map[string]string) error {
	batch := make([]*worker.Worker, size)

	g, gctx := errgroup.WithContext(ctx)
	for i := range batch {
		g.Go(func() error {
			addr, err := worker.AllocateAddress(m.opts.FileSockets)
			if err != nil {
				return err
			}
			w, err := worker.Start(gctx, m.launcher, firstID+i, seq, addr, env, m.opts.Worker)
			if err != nil {
				return fmt.Errorf("failed to start worker %d: %w", firstID+i, err)
			}
			batch[i] = w
			m.track(w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.abandon(batch)
		if ctx.Err() != nil {
			return ErrSuperseded
		}
		return err
	}

	jg, jctx := errgroup.WithContext(ctx)
	for _, w := range batch {
		jg.Go(func() error {
			select {
			case <-w.Ready():
				return nil
			case <-w.Exited():
				return fmt.Errorf("%w: %s", ErrWorkerExited, w.Description())
			case <-jctx.Done():
				return jctx.Err()
			}
		})
	}
	if err := jg.Wait(); err != nil {
		m.abandon(batch)
		if ctx.Err() != nil {
			m.logger.Info("Reload superseded, stopping its workers", zap.Uint64("seq", seq))
			return ErrSuperseded
		}
		return err
	}

	return m.swap(seq, batch)
}

// swap promotes batch if seq is still the latest reload
func (m *Manager) swap(seq uint64, batch []*worker.Worker) error {
	m.mu.Lock()
	if seq != m.seq || m.closed {
		m.mu.Unlock()
		m.abandon(batch)
		return ErrSuperseded
	}

	live := make([]*worker.Worker, 0, len(batch))
	inBatch := make(map[*worker.Worker]struct{}, len(batch))
	for _, w := range batch {
		inBatch[w] = struct{}{}
		delete(m.pending, w)
		if w.State() != worker.StateDead {
			live = append(live, w)
		}
	}

	for _, w := range m.all {
		w.SetCurrent(false)
	}
	for _, w := range live {
		w.SetCurrent(true)
	}
	m.current.Store(&Generation{Seq: seq, Workers: live})

	for _, w := range m.all {
		if _, ok := inBatch[w]; !ok {
			w.Shutdown()
		}
	}
	m.all = live

	if m.restartInterval > 0 {
		jitter := jittered(m.restartInterval)
		m.restartAt = time.Now().Add(jitter)
	} else {
		m.restartAt = time.Time{}
	}

	close(m.readyCh)
	m.readyCh = make(chan struct{})
	m.mu.Unlock()

	m.swaps.Add(1)
	m.logger.Info("Workers swapped in", zap.Uint64("seq", seq), zap.Int("workers", len(live)))
	return nil
}

func (m *Manager) track(w *worker.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[w] = struct{}{}
}

// abandon shuts down the workers of a batch that will never be promoted
func (m *Manager) abandon(batch []*worker.Worker) {
	m.mu.Lock()
	for _, w := range batch {
		if w != nil {
			delete(m.pending, w)
		}
	}
	m.mu.Unlock()

	for _, w := range batch {
		if w != nil {
			w.Shutdown()
		}
	}
}

// onExit drops an exited worker from the routable generation and reloads
// everything when a long-lived worker leaves the pool at half strength or
// less.
func (m *Manager) onExit(w *worker.Worker, _ error) {
	m.mu.Lock()
	idx := -1
	for i, cw := range m.all {
		if cw == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}

	m.all = append(m.all[:idx:idx], m.all[idx+1:]...)

	heal := false
	if w.Current() {
		if g := m.current.Load(); g != nil {
			remaining := make([]*worker.Worker, 0, len(g.Workers))
			for _, cw := range g.Workers {
				if cw != w {
					remaining = append(remaining, cw)
				}
			}
			m.current.Store(&Generation{Seq: g.Seq, Workers: remaining})

			alive := time.Since(w.StartedAt())
			m.logger.Info("Current worker exited",
				zap.Int("worker", w.ID),
				zap.Int("remaining", len(remaining)),
				zap.Duration("runtime", alive))
			heal = len(remaining)*2 <= m.size && alive > m.opts.StableAfter && !m.closed
		}
	}
	m.mu.Unlock()

	if heal {
		m.heals.Add(1)
		m.logger.Info("Stable worker died with half the pool gone, restarting all workers")
		m.TriggerReload()
	}
}

// Suppress postpones the next scheduled restart to at least now+d
func (m *Manager) Suppress(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressLocked(d)
}

func (m *Manager) suppressLocked(d time.Duration) {
	at := time.Now().Add(d)
	if at.After(m.restartAt) {
		m.restartAt = at
	}
}

// SetRestartInterval changes the interval used after the next swap. Zero
// disables scheduled restarts.
func (m *Manager) SetRestartInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartInterval = d
}

// RestartAt returns the next scheduled restart, zero when none is pending
func (m *Manager) RestartAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartAt
}

// Run checks the restart schedule until ctx is done. Once the restart time
// passes the refresh hook runs and a reload starts.
func (m *Manager) Run(ctx context.Context) {
	timer := time.NewTimer(jittered(m.opts.CheckInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(jittered(m.opts.CheckInterval))

		m.mu.Lock()
		due := !m.restartAt.IsZero() && !time.Now().Before(m.restartAt)
		if due {
			m.restartAt = time.Time{}
		}
		m.mu.Unlock()

		if !due {
			continue
		}
		m.logger.Info("Restart time reached, reloading")
		if m.refresh != nil {
			if err := m.refresh(ctx); err != nil {
				m.logger.Error("Refresh before restart failed", zap.Error(err))
			}
		}
		m.TriggerReload()
	}
}

// jittered scales d by a fresh factor in [0.5, 1.5)
func jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

// Close stops every worker and refuses further reloads
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.baseCancel()
	workers := append([]*worker.Worker(nil), m.all...)
	for w := range m.pending {
		workers = append(workers, w)
	}
	m.all = nil
	m.pending = make(map[*worker.Worker]struct{})
	m.current.Store(&Generation{Seq: m.seq})
	close(m.readyCh)
	m.readyCh = make(chan struct{})
	m.mu.Unlock()

	for _, w := range workers {
		w.SetCurrent(false)
		w.Shutdown()
	}
}

// WorkerStats describes one registered worker
type WorkerStats struct {
	ID             int    `json:"id"`
	Description    string `json:"description"`
	Generation     uint64 `json:"generation"`
	State          string `json:"state"`
	Current        bool   `json:"current"`
	Served         int64  `json:"served"`
	Uptime         string `json:"uptime"`
	ProbeExhausted bool   `json:"probeExhausted"`
}

// Stats is a snapshot of the manager for diagnostics
type Stats struct {
	Size          int           `json:"size"`
	CurrentSeq    uint64        `json:"currentSeq"`
	LatestSeq     uint64        `json:"latestSeq"`
	ReloadPending bool          `json:"reloadPending"`
	Reloads       int64         `json:"reloads"`
	Swaps         int64         `json:"swaps"`
	SelfHeals     int64         `json:"selfHeals"`
	RestartAt     *time.Time    `json:"restartAt,omitempty"`
	Stuck         int           `json:"stuck"`
	Workers       []WorkerStats `json:"workers"`
}

// Stats returns a snapshot of the pool
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Size:      m.size,
		LatestSeq: m.seq,
		Reloads:   m.reloads.Load(),
		Swaps:     m.swaps.Load(),
		SelfHeals: m.heals.Load(),
	}
	if !m.restartAt.IsZero() {
		at := m.restartAt
		s.RestartAt = &at
	}
	workers := append([]*worker.Worker(nil), m.all...)
	for w := range m.pending {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	if g := m.current.Load(); g != nil {
		s.CurrentSeq = g.Seq
	}
	s.ReloadPending = s.LatestSeq != s.CurrentSeq

	for _, w := range workers {
		if w.ProbeExhausted() {
			s.Stuck++
		}
		s.Workers = append(s.Workers, WorkerStats{
			ID:             w.ID,
			Description:    w.Description(),
			Generation:     w.Generation,
			State:          w.State().String(),
			Current:        w.Current(),
			Served:         w.Served(),
			Uptime:         time.Since(w.StartedAt()).Round(time.Second).String(),
			ProbeExhausted: w.ProbeExhausted(),
		})
	}
	return s
}
