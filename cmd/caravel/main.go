package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/agreement"
	"github.com/caravelhq/caravel/internal/api"
	"github.com/caravelhq/caravel/internal/audit"
	"github.com/caravelhq/caravel/internal/booking"
	"github.com/caravelhq/caravel/internal/cache"
	"github.com/caravelhq/caravel/internal/config"
	"github.com/caravelhq/caravel/internal/coverage"
	"github.com/caravelhq/caravel/internal/dispatch"
	"github.com/caravelhq/caravel/internal/echo"
	brokergrpc "github.com/caravelhq/caravel/internal/grpc"
	"github.com/caravelhq/caravel/internal/health"
	"github.com/caravelhq/caravel/internal/jobs"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
	"github.com/caravelhq/caravel/internal/notify"
	"github.com/caravelhq/caravel/internal/observability"
	"github.com/caravelhq/caravel/internal/queue"
	"github.com/caravelhq/caravel/internal/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "caravel",
		Short: "Caravel - car rental brokering middleware",
		Long:  "Brokers availability, booking and agreement traffic between rental Agents and supply Sources.",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to JSON config file")

	rootCmd.AddCommand(
		daemonCmd(),
		locationsCmd(),
		agreementsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	return store.NewPostgresStore(ctx, cfg.Postgres.DSN)
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the broker daemon (HTTP + gRPC planes)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	metrics.InitPrometheus("caravel", nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, cfg.Observability); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var notifier queue.Notifier
	if redisClient != nil {
		notifier = queue.NewRedisNotifier(redisClient)
	} else {
		notifier = queue.NewChannelNotifier()
	}
	defer notifier.Close()

	var coverageCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		coverageCache = cache.NewRedisCacheFromClient(redisClient, "")
	} else {
		coverageCache = cache.NewInMemoryCache()
	}
	defer coverageCache.Close()

	var invalidator coverage.Invalidator
	if redisClient != nil {
		ci := cache.NewCacheInvalidator(coverageCache, redisClient)
		go ci.Start(ctx)
		defer ci.Close()
		invalidator = ci
	}

	adapters := adapter.NewRegistry(st)
	defer adapters.Close()

	monitor := health.NewMonitor(health.Config{
		WindowSize:      cfg.Health.WindowSize,
		SlowThreshold:   cfg.Health.SlowThreshold,
		MinSamples:      cfg.Health.MinSamples,
		StrikeThreshold: cfg.Health.StrikeThreshold,
		BackoffBase:     cfg.Health.BackoffBase,
		MaxBackoffLevel: cfg.Health.MaxBackoffLevel,
	})
	if rows, err := st.LoadSourceHealth(ctx); err != nil {
		logging.Op().Warn("load source health", "error", err)
	} else {
		monitor.Load(rows)
	}
	go monitor.RunFlusher(ctx, st, cfg.Health.FlushInterval)

	sink, err := buildAuditSink(cfg, st)
	if err != nil {
		return fmt.Errorf("build audit sink: %w", err)
	}
	emitter := audit.NewEmitter(sink)
	defer emitter.Close()

	webhooks := notify.NewWebhookNotifier(notify.Config{
		Timeout:    cfg.Notify.Timeout,
		MaxElapsed: cfg.Notify.MaxElapsed,
	}, st)
	defer webhooks.Close()

	registry := agreement.NewRegistry(st, emitter, webhooks)
	resolver := coverage.NewResolver(st, adapters, coverageCache, invalidator, cfg.Cache.TTL)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		FanoutLimit:       cfg.Dispatch.FanoutLimit,
		PerCallTimeout:    cfg.Dispatch.PerCallTimeout,
		SLA:               cfg.Dispatch.SLA,
		RecommendedPollMs: cfg.Dispatch.RecommendedPollMs,
	}, st, registry, resolver, monitor, adapters, notifier, emitter)
	poller := jobs.NewPoller(st, notifier)
	engine := booking.NewEngine(booking.Config{
		IdempotencyTTL: cfg.Retention.IdempotencyTTL,
	}, st, adapters, monitor, emitter)
	broker := echo.NewBroker(echo.Config{
		FanoutLimit:    cfg.Echo.FanoutLimit,
		PerCallTimeout: cfg.Echo.PerCallTimeout,
		SLA:            cfg.Echo.SLA,
		WatchInterval:  cfg.Echo.WatchInterval,
		WatchLimit:     cfg.Echo.WatchLimit,
	}, st, registry, adapters, monitor, notifier)

	httpSrv := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
		Dispatcher: dispatcher,
		Poller:     poller,
		Bookings:   engine,
		Echo:       broker,
		Agreements: registry,
		Coverage:   resolver,
		Health:     monitor,
		Companies:  st,
		Pinger:     st,
		Audit:      emitter,
	})

	grpcSrv := brokergrpc.NewServer(&brokergrpc.Service{
		Dispatcher: dispatcher,
		Poller:     poller,
		Bookings:   engine,
		Echo:       broker,
		Companies:  st,
	})
	go func() {
		if err := grpcSrv.Serve(cfg.Daemon.GRPCAddr); err != nil {
			logging.Op().Error("grpc server failed", "error", err)
			stop()
		}
	}()

	go runSweeper(ctx, cfg, st, registry)

	logging.Op().Info("caravel daemon started",
		"http_addr", cfg.Daemon.HTTPAddr, "grpc_addr", cfg.Daemon.GRPCAddr)
	<-ctx.Done()
	logging.Op().Info("shutting down")

	if err := api.Shutdown(httpSrv, 10*time.Second); err != nil {
		logging.Op().Warn("http shutdown", "error", err)
	}
	grpcSrv.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	monitor.Flush(flushCtx, st)
	return nil
}

func buildAuditSink(cfg *config.Config, st *store.PostgresStore) (audit.Sink, error) {
	switch cfg.Audit.Sink {
	case "postgres":
		return audit.NewPostgresSink(st), nil
	case "kafka":
		return audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
	default:
		return audit.NewLogSink(), nil
	}
}

// runSweeper removes expired jobs and idempotency keys and flips
// agreements whose validity window has closed.
func runSweeper(ctx context.Context, cfg *config.Config, st *store.PostgresStore, registry *agreement.Registry) {
	interval := cfg.Retention.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := st.SweepRetention(ctx, cfg.Retention.JobTTL)
		if err != nil {
			logging.Op().Warn("retention sweep failed", "error", err)
		} else if res.AvailabilityJobs+res.EchoJobs+res.IdempotencyKeys > 0 {
			logging.Op().Info("retention sweep",
				"availability_jobs", res.AvailabilityJobs,
				"echo_jobs", res.EchoJobs,
				"idempotency_keys", res.IdempotencyKeys)
		}

		n, err := registry.ExpireSweep(ctx)
		if err != nil {
			logging.Op().Warn("agreement expire sweep failed", "error", err)
		} else if n > 0 {
			logging.Op().Info("agreements expired", "count", n)
		}
	}
}

type locationsFile struct {
	Locations []store.LocationEntry `yaml:"locations"`
}

func locationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "UN/LOCODE catalog utilities",
	}
	cmd.AddCommand(locationsImportCmd())
	return cmd
}

func locationsImportCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Bulk-load UN/LOCODE catalog entries from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			var parsed locationsFile
			if err := yaml.Unmarshal(data, &parsed); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if len(parsed.Locations) == 0 {
				return fmt.Errorf("%s contains no locations", file)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			n, err := st.UpsertLocations(ctx, parsed.Locations)
			if err != nil {
				return fmt.Errorf("upsert locations: %w", err)
			}
			fmt.Printf("imported %d locations (%d parsed)\n", n, len(parsed.Locations))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML catalog file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func agreementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agreements",
		Short: "Agreement maintenance utilities",
	}
	cmd.AddCommand(agreementsExpireSweepCmd())
	return cmd
}

func agreementsExpireSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-sweep",
		Short: "Expire agreements whose validity window has closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			webhooks := notify.NewWebhookNotifier(notify.Config{
				Timeout:    cfg.Notify.Timeout,
				MaxElapsed: cfg.Notify.MaxElapsed,
			}, st)
			defer webhooks.Close()

			registry := agreement.NewRegistry(st, audit.NewEmitter(audit.NewLogSink()), webhooks)
			n, err := registry.ExpireSweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("expired %d agreements\n", n)
			return nil
		},
	}
}
