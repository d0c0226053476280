package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/greeneg/pkg-cacher/pkg/accesslog"
	"github.com/greeneg/pkg-cacher/pkg/classify"
	"github.com/greeneg/pkg-cacher/pkg/config"
	"github.com/greeneg/pkg-cacher/pkg/coordinator"
	"github.com/greeneg/pkg-cacher/pkg/fetcher"
	"github.com/greeneg/pkg-cacher/pkg/lock"
	"github.com/greeneg/pkg-cacher/pkg/logging"
	"github.com/greeneg/pkg-cacher/pkg/metrics"
	"github.com/greeneg/pkg-cacher/pkg/store"

	"github.com/greeneg/pkg-cacher/internal/handler"
	"github.com/greeneg/pkg-cacher/internal/listener"
)

var configPath string

func newServeCommand() *cobra.Command {
	fs := newConfigFlagSet()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, fs)
		},
	}
	cmd.Flags().AddFlagSet(fs)
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a pkg-cacher configuration file")
	return cmd
}

func runServe(cmd *cobra.Command, fs *pflag.FlagSet) error {
	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return fmt.Errorf("pkgcacherd: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("pkgcacherd: invalid configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{
		Level:  level,
		Format: logging.ParseFormat(cfg.LogFormat),
	})
	ctx := logging.Into(context.Background(), log)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("pkgcacherd: open cache store: %w", err)
	}
	locks, err := lock.NewManager(st.GlobalLockPath())
	if err != nil {
		return fmt.Errorf("pkgcacherd: open lock manager: %w", err)
	}
	defer locks.Close()

	classifier, err := classify.New(nil, nil)
	if err != nil {
		return fmt.Errorf("pkgcacherd: build classifier: %w", err)
	}

	accessLogPath := cfg.LogDir + "/access.log"
	accessLog, err := accesslog.Open(accessLogPath)
	if err != nil {
		return fmt.Errorf("pkgcacherd: open access log: %w", err)
	}
	defer accessLog.Close()

	m := metrics.New()

	egressRatePerHost := 0.0
	f := fetcher.New(egressRatePerHost)
	coord := coordinator.New(st, locks, f, m)
	reloader := config.NewReloader(cfg)

	h := &handler.Handler{
		Reloader:    reloader,
		Store:       st,
		Coordinator: coord,
		Classifier:  classifier,
		AccessLog:   accessLog,
		Metrics:     m,
	}

	mode, _ := cmd.Flags().GetString("mode")
	listenRetries, _ := cmd.Flags().GetInt("listen_retries")

	go serveMetrics(ctx, log, cfg.MetricsAddr, m)
	go watchSignals(ctx, log, reloader, fs, logging.ParseLevel(cfg.LogLevel))

	switch mode {
	case "inetd":
		return listener.InetdStdio(ctx, h, os.Stdin, os.Stdout, "")
	case "cgi":
		return listener.CGI(ctx, h, os.Stdout, os.Getenv)
	default:
		addrs := strings.Split(cfg.DaemonAddr, ",")
		log.Info("starting standalone listener", "addrs", addrs, "port", cfg.DaemonPort)
		return listener.Standalone(ctx, h, addrs, cfg.DaemonPort, listenRetries)
	}
}

func serveMetrics(ctx context.Context, log *logging.Logger, addr string, m *metrics.Metrics) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server exited", "error", err)
	}
}

func watchSignals(ctx context.Context, log *logging.Logger, reloader *config.Reloader, fs *pflag.FlagSet, baseLevel logging.Level) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				next, err := config.Load(fs, configPath)
				if err != nil {
					log.Warn("reload failed", "error", err)
					continue
				}
				if err := reloader.Swap(next); err != nil {
					log.Warn("reload rejected", "error", err)
					continue
				}
				log.Info("configuration reloaded")
			case syscall.SIGUSR1:
				reloader.ToggleDebug()
				debug := reloader.Current().Debug
				if debug {
					log.SetLevel(logging.LevelDebug)
				} else {
					log.SetLevel(baseLevel)
				}
				log.Info("toggled debug flag", "debug", debug)
			}
		}
	}
}
