package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/pkg/logging"
	"github.com/sirosfoundation/go-appshell/pkg/middleware"
)

// RouteProvider contributes routes to the shared router
type RouteProvider interface {
	RegisterRoutes(router gin.IRouter)
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddress  string
	HTTPSAddress string

	// TLS enables the HTTPS listener when set
	TLS *tls.Config

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	LoggingLevel      string

	// Crash receives handler panics; nil leaves gin's default recovery
	Crash logging.CrashReporter
}

// Manager owns the HTTP and HTTPS servers
type Manager struct {
	cfg    *ServerConfig
	logger *zap.Logger

	providers []RouteProvider
	fallback  http.Handler

	router      *gin.Engine
	httpServer  *http.Server
	httpsServer *http.Server
	httpAddr    net.Addr
	httpsAddr   net.Addr
}

// NewManager creates a server manager. fallback serves every request no
// provider routes.
func NewManager(cfg *ServerConfig, fallback http.Handler, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		fallback: fallback,
		logger:   logger.Named("server"),
	}
}

// AddProvider registers a RouteProvider. Call before Start.
func (m *Manager) AddProvider(p RouteProvider) {
	m.providers = append(m.providers, p)
}

// Start binds the listeners and serves in the background
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.LoggingLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	m.router = m.buildRouter()
	for _, p := range m.providers {
		p.RegisterRoutes(m.router)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", m.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.HTTPAddress, err)
	}
	m.httpAddr = ln.Addr()
	m.httpServer = m.newServer()

	go func() {
		m.logger.Info("HTTP server listening", zap.String("address", m.httpAddr.String()))
		if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if m.cfg.TLS == nil {
		return nil
	}

	tln, err := lc.Listen(ctx, "tcp", m.cfg.HTTPSAddress)
	if err != nil {
		_ = m.httpServer.Close()
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.HTTPSAddress, err)
	}
	m.httpsAddr = tln.Addr()
	m.httpsServer = m.newServer()
	m.httpsServer.TLSConfig = m.cfg.TLS

	go func() {
		m.logger.Info("HTTPS server listening", zap.String("address", m.httpsAddr.String()))
		if err := m.httpsServer.ServeTLS(tln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("HTTPS server error", zap.Error(err))
		}
	}()

	return nil
}

func (m *Manager) newServer() *http.Server {
	return &http.Server{
		Handler:           m.router,
		ReadHeaderTimeout: m.cfg.ReadHeaderTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
		ErrorLog:          zap.NewStdLog(m.logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))),
	}
}

// Shutdown gracefully shuts down all servers
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error

	if m.httpServer != nil {
		if err := m.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	if m.httpsServer != nil {
		if err := m.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTPS server shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

// buildRouter creates the router with common middleware. Path cleanup and
// redirects are off so requests reach workers exactly as sent.
func (m *Manager) buildRouter() *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	if m.cfg.Crash != nil {
		router.Use(gin.CustomRecovery(func(c *gin.Context, v any) {
			err, ok := v.(error)
			if !ok {
				err = fmt.Errorf("%v", v)
			}
			m.cfg.Crash.ReportCrash("http "+c.Request.URL.Path, err, debug.Stack())
			c.AbortWithStatus(http.StatusInternalServerError)
		}))
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.Logger(m.logger))
	if m.fallback != nil {
		// gin presets 404 before NoRoute handlers run
		router.NoRoute(func(c *gin.Context) {
			c.Status(http.StatusOK)
			m.fallback.ServeHTTP(c.Writer, c.Request)
		})
	}
	return router
}

// HTTPAddr returns the bound HTTP address once started
func (m *Manager) HTTPAddr() net.Addr { return m.httpAddr }

// HTTPSAddr returns the bound HTTPS address, nil without TLS
func (m *Manager) HTTPSAddr() net.Addr { return m.httpsAddr }

// Router returns the main router
func (m *Manager) Router() *gin.Engine {
	return m.router
}
