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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/audit"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/config"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/httpapi"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/migrate"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/obs"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/store/memory"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/store/pg"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	}

	root := &cobra.Command{
		Use:          "registry-api",
		Short:        "Document registration and routing service",
		Version:      version,
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE:  serve,
	}
	d := config.Defaults()
	flags := root.PersistentFlags()
	flags.String("http-addr", d.HTTP.Addr, "HTTP listen address")
	flags.String("grpc-addr", d.GRPC.Addr, "gRPC health listen address (empty disables)")
	flags.String("dsn", "", "PostgreSQL DSN (empty runs in memory)")
	flags.String("log-level", d.Log.Level, "log level")
	_ = v.BindPFlag("http.addr", flags.Lookup("http-addr"))
	_ = v.BindPFlag("grpc.addr", flags.Lookup("grpc-addr"))
	_ = v.BindPFlag("database.dsn", flags.Lookup("dsn"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(serveCmd)
	return root
}

func run(ctx context.Context, cfg config.Config) error {
	logger := obs.SetupLogger(cfg.Log.Level, cfg.Log.Pretty)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	tracing, err := obs.NewTracing(obs.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "document-registry",
		Version:     version,
		Output:      os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(sctx)
	}()

	store, ready, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	events := stream.New()
	svc := registry.New(store,
		registry.WithPolicy(cfg.Policy()),
		registry.WithConfigCache(registry.NewConfigCache(cfg.Registry.ConfigCacheTTL)),
		registry.WithPublisher(obs.MetricsPublisher()),
		registry.WithPublisher(audit.New(logger).Publisher()),
		registry.WithPublisher(events),
		registry.WithTracer(tracing.Tracer("registry")),
		registry.WithLogger(logger),
	)

	api := httpapi.New(svc, httpapi.Options{
		Version:        version,
		Ready:          ready,
		Stream:         events,
		Logger:         &logger,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSec:     cfg.RateLimit.RPS,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var grpcLis net.Listener
	if cfg.GRPC.Addr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting registry api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen http: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		gs := httpapi.NewGRPCServer(ready, logger)
		g.Go(func() error {
			gs.WatchReadiness(gctx, 5*time.Second)
			return nil
		})
		g.Go(func() error {
			logger.Info().Str("addr", cfg.GRPC.Addr).Msg("starting grpc health server")
			if err := gs.Serve(grpcLis); err != nil {
				return fmt.Errorf("serve grpc: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.Stop()
			return nil
		})
	} else {
		obs.SetReady(true)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info().Msg("stopped")
	return err
}

// openStore connects to Postgres when a DSN is configured and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (registry.Store, httpapi.ReadyProbe, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn().Msg("no database configured, using in-memory store")
		return memory.New(), httpapi.ReadyProbe{}, func() {}, nil
	}
	st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, httpapi.ReadyProbe{}, nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.Database.AutoMigrate {
		mgr := migrate.NewManager(st.DB(), pg.Migrations(), pg.Seeds(), migrate.WithLogger(logger))
		if _, err := mgr.Up(ctx); err != nil {
			_ = st.Close()
			return nil, httpapi.ReadyProbe{}, nil, fmt.Errorf("migrate: %w", err)
		}
		if _, err := mgr.Seed(ctx); err != nil {
			_ = st.Close()
			return nil, httpapi.ReadyProbe{}, nil, fmt.Errorf("seed: %w", err)
		}
	}
	return st, httpapi.ReadyProbe{DB: st.DB()}, func() { _ = st.Close() }, nil
}
