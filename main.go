package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/control"
	"github.com/peterje/ptyhost/internal/db"
	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/history"
	"github.com/peterje/ptyhost/internal/logging"
	"github.com/peterje/ptyhost/internal/metrics"
	"github.com/peterje/ptyhost/internal/preflight"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
	"github.com/peterje/ptyhost/internal/server"
	"github.com/peterje/ptyhost/internal/tunnel"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Subcommand dispatch: "ptyhost attach" joins a session of a running host.
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "attach") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "attach":
		err = runAttach(args)
	default:
		err = runServe(args)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "ptyhost %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tools := preflight.CheckAll(cfg.Shell, logger.Named("preflight"))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	hist := history.New(database, logger.Named("history"))
	if n, err := hist.ReconcileStale(); err != nil {
		logger.Warn("reconcile history", zap.Error(err))
	} else if n > 0 {
		logger.Info("marked stale sessions stopped", zap.Int64("count", n))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	bus := events.NewBus(cfg.ReplaySize)
	bus.Attach(hist)

	mgr := ptymgr.NewManager(ptymgr.Config{
		Metrics:           m,
		Shell:             cfg.Shell,
		Term:              cfg.Term,
		Locale:            cfg.Locale,
		DefaultRows:       cfg.DefaultRows,
		DefaultCols:       cfg.DefaultCols,
		ForegroundTimeout: cfg.ForegroundTimeout,
	}, bus, logger.Named("pty"))
	defer func() {
		mgr.Shutdown()
		if _, err := hist.StopRunning(); err != nil {
			logger.Warn("stop history", zap.Error(err))
		}
	}()
	host := history.Track(mgr, hist, logger.Named("history"))

	ctrl, err := control.Listen(cfg.SocketPath, host, bus, logger.Named("control"))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	srv := server.New(server.Options{
		Host:     host,
		Bus:      bus,
		History:  hist,
		Tools:    tools,
		Instance: hist.Instance(),
		Metrics:  m,
		Gatherer: reg,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		Logger: logger.Named("http"),
	})
	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server running", zap.String("addr", ln.Addr().String()), zap.String("instance", hist.Instance()))
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error {
		return ctrl.Serve(gctx)
	})
	if cfg.TunnelURL != "" {
		tc := tunnel.NewClient(tunnel.Config{
			GatewayURL:         cfg.TunnelURL,
			Secret:             cfg.TunnelSecret,
			LocalAddr:          ln.Addr().String(),
			InsecureSkipVerify: cfg.TunnelInsecure,
		}, logger.Named("tunnel"))
		g.Go(func() error {
			return tc.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down", zap.Int("sessions", len(mgr.List())))
	return err
}
