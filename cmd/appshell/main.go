// appshell supervises a pool of application workers: it proxies public
// HTTP and WebSocket traffic to them, restarts them in generations and
// serves the management protocol under /-tdevmgmt-/.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/shell"
	"github.com/sirosfoundation/go-appshell/pkg/config"
	"github.com/sirosfoundation/go-appshell/pkg/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// cliOptions holds the command line after parsing
type cliOptions struct {
	configFile    string
	port          int
	workers       float64
	internet      bool
	regenerateKey bool
	env           map[string]string
}

func parseArgs(args []string) (*cliOptions, *pflag.FlagSet, error) {
	opts := &cliOptions{}
	fs := pflag.NewFlagSet("appshell", pflag.ContinueOnError)
	fs.StringVar(&opts.configFile, "config", "configs/appshell.yaml", "path to configuration file")
	fs.IntVarP(&opts.port, "port", "p", 0, "public HTTP port (overrides configuration)")
	fs.Float64VarP(&opts.workers, "workers", "w", 0, "number of workers; negative values are multiplied by the CPU count")
	fs.BoolVar(&opts.internet, "internet", false, "listen on all interfaces")
	fs.BoolVar(&opts.regenerateKey, "regenerate-key", false, "discard the persisted deployment key")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}

	opts.env = make(map[string]string)
	for _, arg := range fs.Args() {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fs, fmt.Errorf("unexpected argument %q, expected NAME=VALUE", arg)
		}
		opts.env[name] = value
	}
	return opts, fs, nil
}

// apply overlays explicitly set flags on the loaded configuration
func (o *cliOptions) apply(cfg *config.Config, fs *pflag.FlagSet) error {
	if fs.Changed("port") {
		cfg.Server.Port = o.port
	}
	if fs.Changed("workers") {
		cfg.Pool.Workers = o.workers
	}
	if fs.Changed("internet") {
		cfg.Server.Internet = o.internet
		if o.internet && (cfg.Server.Host == "127.0.0.1" || cfg.Server.Host == "localhost") {
			cfg.Server.Host = ""
		}
	}
	return cfg.Validate()
}

func main() {
	opts, fs, err := parseArgs(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fs.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := opts.apply(cfg, fs); err != nil {
		log.Fatalf("Invalid command line: %v", err)
	}

	recorder := logging.NewRecorder(logging.DefaultRecorderSize)
	logger, err := logging.NewLogger(cfg.Logging, recorder)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting appshell",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("address", cfg.Server.Address()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	s, err := shell.New(ctx, cfg, shell.Options{
		Env:           opts.env,
		RegenerateKey: opts.regenerateKey,
		Recorder:      recorder,
	}, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize shell", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		logger.Error("Shell stopped with errors", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shell exited")
}
