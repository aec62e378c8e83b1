// Package shell assembles the supervisor: persisted state, configuration
// channel, secrets, the worker pool, the public router, the management
// handler and the listeners.
package shell

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/backend"
	"github.com/sirosfoundation/go-appshell/internal/deploy"
	"github.com/sirosfoundation/go-appshell/internal/mgmt"
	"github.com/sirosfoundation/go-appshell/internal/pool"
	"github.com/sirosfoundation/go-appshell/internal/proxy"
	"github.com/sirosfoundation/go-appshell/internal/secrets"
	"github.com/sirosfoundation/go-appshell/internal/server"
	"github.com/sirosfoundation/go-appshell/internal/state"
	"github.com/sirosfoundation/go-appshell/internal/storage"
	"github.com/sirosfoundation/go-appshell/internal/tlsconf"
	"github.com/sirosfoundation/go-appshell/internal/worker"
	"github.com/sirosfoundation/go-appshell/pkg/config"
	"github.com/sirosfoundation/go-appshell/pkg/logging"
	"github.com/sirosfoundation/go-appshell/pkg/middleware"
)

// EnvRestartInterval in the worker environment overrides the configured
// restart interval, in seconds
const EnvRestartInterval = "TD_RESTART_INTERVAL"

const shutdownTimeout = 30 * time.Second

// Options carries what does not come from the configuration file
type Options struct {
	// Env holds NAME=VALUE overlays from the command line
	Env map[string]string
	// RegenerateKey discards the persisted deployment key
	RegenerateKey bool
	// Launcher starts workers; defaults to running the configured command
	Launcher worker.Launcher
	// Recorder backs the logs commands
	Recorder *logging.Recorder
	// Crash receives recovered panics; defaults to logging them
	Crash logging.CrashReporter
}

// Shell is the assembled supervisor
type Shell struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger

	state    *state.Store
	store    storage.Store
	secrets  secrets.Store
	pool     *pool.Manager
	router   *proxy.Router
	mgmt     *mgmt.Handler
	selector *tlsconf.Selector
	server   *server.Manager

	started chan struct{}

	mu          sync.RWMutex
	secretEnv   map[string]string
	appSettings map[string]string
	stop        context.CancelFunc
	exiting     bool
}

// New assembles a shell. Nothing listens or runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*Shell, error) {
	if opts.Crash == nil {
		opts.Crash = logging.LogReporter{Logger: logger.Named("crash")}
	}
	s := &Shell{
		cfg:         cfg,
		opts:        opts,
		logger:      logger.Named("shell"),
		selector:    tlsconf.NewSelector(),
		started:     make(chan struct{}),
		secretEnv:   map[string]string{},
		appSettings: map[string]string{},
	}

	st, err := state.Open(cfg.DataDir, cfg.Management.DeploymentKey, opts.RegenerateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	s.state = st
	key := st.Config().DeploymentKey

	s.store, err = backend.New(ctx, &cfg.ConfigChannel)
	if err != nil {
		return nil, err
	}

	if cfg.Secrets.Dir != "" {
		fs, err := secrets.NewFileStore(cfg.Secrets.Dir, cfg.Secrets.IdentityFile)
		if err != nil {
			s.closeStore()
			return nil, fmt.Errorf("failed to open secrets: %w", err)
		}
		s.secrets = fs
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = &worker.ExecLauncher{
			Command: cfg.Pool.Command,
			Dir:     cfg.Pool.Dir,
			Logger:  logger.Named("app"),
		}
	}

	s.pool = pool.NewManager(pool.Options{
		Workers:         cfg.Pool.Workers,
		FileSockets:     cfg.Pool.FileSockets,
		RestartInterval: cfg.Pool.RestartInterval,
		Warmup:          cfg.Pool.Warmup,
		StableAfter:     cfg.Pool.StableAfter,
		Worker: worker.Options{
			DeploymentKey: key,
			ProbeInterval: cfg.Pool.ProbeInterval,
			ProbeAttempts: cfg.Pool.ProbeAttempts,
			ShutdownGrace: cfg.Pool.ShutdownGrace,
			KillGrace:     cfg.Pool.KillGrace,
		},
	}, launcher, s.env, s.refresh, logger)

	s.router = proxy.New(s.pool, proxy.Options{
		TrustForwarded: cfg.Proxy.TrustForwarded,
		OnlyEncrypted:  cfg.Management.OnlyEncrypted,
	}, logger)

	deps := mgmt.Deps{
		Pool:          s.pool,
		State:         st,
		Deployer:      deploy.NewLocalDeployer(cfg.Pool.Dir, st, logger),
		Recorder:      opts.Recorder,
		Limiter:       middleware.NewFailureLimiter(cfg.Management.AuthFailuresPerMinute, logger),
		ContentServed: s.router.Served,
		OnConfig:      s.applyChannelConfig,
		Exit:          s.Exit,
	}
	if s.store != nil {
		deps.Channel = s.store.Channel()
	}
	s.mgmt, err = mgmt.New(mgmt.Options{
		DeploymentKey: key,
		OnlyEncrypted: cfg.Management.OnlyEncrypted,
		ShellConfig:   st.Config(),
	}, deps, logger)
	if err != nil {
		s.closeStore()
		return nil, err
	}

	if err := s.loadCertificates(ctx); err != nil {
		s.closeStore()
		return nil, err
	}

	srvCfg := &server.ServerConfig{
		HTTPAddress:       cfg.Server.Address(),
		HTTPSAddress:      cfg.Server.HTTPSAddress(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		LoggingLevel:      cfg.Logging.Level,
		Crash:             opts.Crash,
	}
	if !s.selector.Empty() {
		srvCfg.TLS = s.selector.ServerConfig(tlsconf.NewSessionCache(cfg.TLS.SessionCacheSize))
	}
	s.server = server.NewManager(srvCfg, s.router, logger)
	s.server.AddProvider(s.mgmt)

	return s, nil
}

// Run serves until ctx is cancelled or the exit command is received
func (s *Shell) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.stop = cancel
	exiting := s.exiting
	s.mu.Unlock()
	if exiting {
		return nil
	}

	if err := s.loadSecretEnv(ctx); err != nil {
		s.logger.Warn("Failed to load secret environment", zap.Error(err))
	}
	s.loadChannelConfig(ctx)
	s.applyRestartInterval()

	if err := s.server.Start(ctx); err != nil {
		s.pool.Close()
		s.closeStore()
		return err
	}
	close(s.started)

	go func() {
		defer logging.Recover(s.opts.Crash, "restart loop")
		s.pool.Run(ctx)
	}()
	go func() {
		defer logging.Recover(s.opts.Crash, "initial reload")
		if err := s.pool.Reload(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Initial worker start failed", zap.Error(err))
		}
	}()

	s.logger.Info("Shell started",
		zap.Int("shellVersion", state.ShellVersion),
		zap.Int("workers", s.pool.Size()),
		zap.Bool("onlyEncrypted", s.cfg.Management.OnlyEncrypted),
	)

	<-ctx.Done()
	return s.shutdown()
}

// Started is closed once the listeners are bound
func (s *Shell) Started() <-chan struct{} { return s.started }

// Server returns the listener manager
func (s *Shell) Server() *server.Manager { return s.server }

// Pool returns the worker pool
func (s *Shell) Pool() *pool.Manager { return s.pool }

// DeploymentKey returns the active deployment key
func (s *Shell) DeploymentKey() string { return s.state.Config().DeploymentKey }

// Exit stops Run
func (s *Shell) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exiting = true
	if s.stop != nil {
		s.stop()
	}
}

func (s *Shell) shutdown() error {
	s.logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.pool.Close()
	if err := s.state.Save(); err != nil {
		errs = append(errs, fmt.Errorf("failed to save state: %w", err))
	}
	s.closeStore()
	return errors.Join(errs...)
}

func (s *Shell) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Failed to close config channel", zap.Error(err))
	}
}

// env builds the overlay for newly spawned workers: secrets, then app
// settings, then command line values
func (s *Shell) env() map[string]string {
	out := s.overlay()
	out[worker.EnvDeploymentMeta] = s.state.DeploymentMeta()
	return out
}

func (s *Shell) overlay() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.secretEnv)+len(s.appSettings)+len(s.opts.Env)+1)
	for k, v := range s.secretEnv {
		out[k] = v
	}
	for k, v := range s.appSettings {
		out[k] = v
	}
	for k, v := range s.opts.Env {
		out[k] = v
	}
	return out
}

// applyRestartInterval takes TD_RESTART_INTERVAL from the overlay or the
// process environment, falling back to the configured interval
func (s *Shell) applyRestartInterval() {
	interval := s.cfg.Pool.RestartInterval
	value, ok := s.overlay()[EnvRestartInterval]
	if !ok {
		value, ok = os.LookupEnv(EnvRestartInterval)
	}
	if ok && value != "" {
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil || secs < 0 {
			s.logger.Warn("Ignoring invalid restart interval", zap.String("value", value))
		} else {
			interval = time.Duration(secs * float64(time.Second))
		}
	}
	s.pool.SetRestartInterval(interval)
}

// refresh runs before scheduled restarts
func (s *Shell) refresh(ctx context.Context) error {
	if err := s.loadSecretEnv(ctx); err != nil {
		return err
	}
	if err := s.loadCertificates(ctx); err != nil {
		return err
	}
	s.applyRestartInterval()
	return nil
}

func (s *Shell) loadSecretEnv(ctx context.Context) error {
	env, err := secrets.Env(ctx, s.secrets)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.secretEnv = env
	s.mu.Unlock()
	return nil
}

func (s *Shell) loadChannelConfig(ctx context.Context) {
	if s.store == nil {
		return
	}
	doc, err := s.store.Channel().Get(ctx, storage.ConfigDocument)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Failed to read channel config", zap.Error(err))
		}
		return
	}
	s.setAppSettings(doc)
}

func (s *Shell) setAppSettings(doc storage.Document) {
	settings := storage.AppSettings(doc)
	s.mu.Lock()
	s.appSettings = settings
	s.mu.Unlock()
}

// applyChannelConfig takes new app settings and restarts the workers
func (s *Shell) applyChannelConfig(doc storage.Document) {
	s.setAppSettings(doc)
	s.applyRestartInterval()
	s.logger.Info("App settings changed, restarting workers")
	s.pool.TriggerReload()
}

// loadCertificates rebuilds the SNI registry from the configured default
// certificate and the certificate list secret
func (s *Shell) loadCertificates(ctx context.Context) error {
	var fallback *tls.Certificate
	var err error
	switch {
	case s.cfg.TLS.PFX != "":
		fallback, err = tlsconf.ParseBase64PFX(s.cfg.TLS.PFX, s.cfg.TLS.PFXPassword)
	case s.cfg.TLS.CertFile != "":
		fallback, err = tlsconf.LoadPEM(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	if err != nil {
		return fmt.Errorf("failed to load default certificate: %w", err)
	}

	var entries []tlsconf.CertificateEntry
	if s.secrets != nil {
		data, err := s.secrets.Get(ctx, secrets.CertsSecret)
		switch {
		case err == nil:
			entries, err = tlsconf.ParseStoredCerts(data, s.cfg.TLS.PFXPassword)
			if err != nil {
				return err
			}
		case errors.Is(err, secrets.ErrNotFound):
		default:
			return fmt.Errorf("failed to read certificates: %w", err)
		}
	}

	s.selector.Load(entries, fallback)
	return nil
}
