package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberinferno/tilenet/config"
	"github.com/cyberinferno/tilenet/logger"
	"github.com/cyberinferno/tilenet/metrics"
	"github.com/cyberinferno/tilenet/netloop"
	"github.com/cyberinferno/tilenet/tcpserver"
	"github.com/cyberinferno/tilenet/throttle"
	"github.com/cyberinferno/tilenet/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serviceName = "tilenet"

type serveFlags struct {
	configPath     string
	listen         string
	metricsAddr    string
	logLevel       string
	maxConnections int
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the arena",
		Long: `Serve the arena to telnet clients until interrupted.

On SIGINT or SIGTERM every client is sent the terminal reset and
disconnected; clients still connected after the shutdown timeout are
dropped.

Examples:
  tilenet serve
  tilenet serve --listen=:2323 --metrics=:9090
  tilenet serve --config=tilenet.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = f.listen
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = f.metricsAddr
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = f.logLevel
			}
			if flags.Changed("max-connections") {
				cfg.MaxConnections = f.maxConnections
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "Address to accept telnet clients on (default :23)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics", "", "Address to serve /metrics on; empty disables it")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().IntVar(&f.maxConnections, "max-connections", 0, "Maximum concurrent clients; 0 means no limit")

	return cmd
}

func newLogger(cfg config.Log) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Dir == "" {
		return logger.NewConsole(serviceName, level), nil
	}

	return logger.NewFile(serviceName, cfg.Dir, level)
}

func loadLevel(path string) ([]string, error) {
	if path == "" {
		return world.DefaultLevel, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open level: %w", err)
	}
	defer f.Close()

	return world.ParseLevel(f)
}

// newLimiter returns nil when throttling is off. The returned close func
// releases the Redis client, if any.
func newLimiter(cfg config.Throttle) (throttle.Limiter, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}

	if cfg.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		lim, err := throttle.NewRedisLimiter(client, serviceName+":accept:", cfg.Limit, cfg.Window)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return lim, client.Close, nil
	}

	lim, err := throttle.NewMemoryLimiter(cfg.Limit, cfg.Window)
	if err != nil {
		return nil, noop, err
	}
	return lim, noop, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()

	rows, err := loadLevel(cfg.LevelFile)
	if err != nil {
		return err
	}
	arena, err := world.NewArena(rows, world.WithScreen(cfg.Screen.Width, cfg.Screen.Height))
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newLimiter(cfg.Throttle)
	if err != nil {
		return err
	}
	defer closeLimiter()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, metrics.DefaultNamespace)

	loop, err := netloop.New(log)
	if err != nil {
		return err
	}
	defer loop.Close()

	opts := []tcpserver.Option{tcpserver.WithLogger(log), tcpserver.WithMetrics(m)}
	if limiter != nil {
		opts = append(opts, tcpserver.WithLimiter(limiter))
	}

	ln, err := tcpserver.Start(tcpserver.Config{
		Addr:           cfg.Listen,
		Backlog:        cfg.Backlog,
		MaxConnections: cfg.MaxConnections,
		Connection: tcpserver.ConnectionConfig{
			WriteBufferSize: cfg.Buffers.Write,
			ReadBufferSize:  cfg.Buffers.Read,
			ScreenWidth:     cfg.Screen.Width,
			ScreenHeight:    cfg.Screen.Height,
			Headroom:        cfg.Buffers.Headroom,
		},
	}, loop, arena, opts...)
	if err != nil {
		return err
	}
	log.Info("serving arena", logger.Field{Key: "addr", Value: ln.Addr().String()})

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g, gctx := errgroup.WithContext(loopCtx)

	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("metrics listening", logger.Field{Key: "addr", Value: cfg.MetricsAddr})
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stopLoop()

		select {
		case <-ctx.Done():
		case <-gctx.Done():
			return nil
		}

		log.Info("shutting down", logger.Field{Key: "timeout", Value: cfg.ShutdownTimeout.String()})
		done := make(chan struct{})
		if !loop.Post(func() { ln.Stop(func() { close(done) }) }) {
			return nil
		}

		timer := time.NewTimer(cfg.ShutdownTimeout)
		defer timer.Stop()

		select {
		case <-done:
			log.Info("all clients disconnected")
		case <-timer.C:
			log.Warn("shutdown timed out, dropping remaining clients")
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()

	// The loop has returned, so the listener may be touched from here.
	ln.Free()
	log.Info("loop stopped", logger.Field{Key: "registrations", Value: loop.Registrations()})

	// Closed sockets keep sending what they queued, the terminal reset
	// included, for up to their linger time.
	drainCtx, cancel := context.WithTimeout(context.Background(), netloop.DefaultLinger+time.Second)
	defer cancel()
	if werr := loop.Wait(drainCtx); werr != nil {
		log.Warn("sockets still sending at exit", logger.Field{Key: "error", Value: werr})
	}

	return err
}
