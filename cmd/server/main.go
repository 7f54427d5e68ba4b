package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/parimutuel-engine/internal/api"
	"github.com/atmx/parimutuel-engine/internal/config"
	"github.com/atmx/parimutuel-engine/internal/engine"
	"github.com/atmx/parimutuel-engine/internal/events"
	"github.com/atmx/parimutuel-engine/internal/keeper"
	"github.com/atmx/parimutuel-engine/internal/metrics"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/oracle"
	"github.com/atmx/parimutuel-engine/internal/store"
	"github.com/atmx/parimutuel-engine/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("PME_CONFIG"), "path to TOML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("parimutuel-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("parimutuel-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, locks, oracle) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("redis enabled", "addr", opt.Addr)
	}

	// --- Record store ---
	var backend store.Backend
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresBackend(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		backend = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			backend = store.NewCachedBackend(backend, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("redis record cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		slog.Warn("postgres url not set, using in-memory store (data will not persist)")
		backend = store.NewMemoryBackend()
	}
	st := store.New(backend)

	var locker store.Locker = store.NewMemoryLocker()
	if rdb != nil {
		locker = store.NewRedisLocker(rdb)
	}

	clock := func() time.Time { return time.Now().UTC() }
	var (
		prices    oracle.Oracle
		devPrices api.PriceSetter
	)
	if cfg.Redis.Oracle {
		prices = oracle.NewRedisOracle(rdb, clock)
		slog.Info("using redis price oracle")
	} else {
		mem := oracle.NewMemoryOracle(clock)
		prices, devPrices = mem, mem
		slog.Warn("using in-memory price oracle; publish prices via /api/v1/dev/prices")
	}

	// Custody is an external collaborator; the in-process ledger stands in.
	ledger := vault.NewMemoryLedger()

	g, gctx := errgroup.WithContext(ctx)

	// --- Event fan-out ---
	hub := events.NewWSHub()
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	sinks := events.Multi{hub}

	if cfg.NATS.URL != "" {
		nc, js, err := events.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		cleanup = append(cleanup, nc.Close)
		if err := events.EnsureStream(ctx, js, cfg.NATS.StreamMaxAge.Duration); err != nil {
			return fmt.Errorf("nats stream: %w", err)
		}
		pub := events.NewJetStreamPublisher(js, cfg.NATS.Buffer)
		g.Go(func() error { return ignoreCanceled(pub.Run(gctx)) })
		sinks = append(sinks, pub)
		slog.Info("publishing events to JetStream", "stream", events.StreamName)
	}

	// --- Engine ---
	eng := engine.New(st, locker, ledger, prices, engine.Options{
		Now:     clock,
		LockTTL: cfg.Engine.LockTTL.Duration,
		Events:  sinks,
	})
	if err := bootstrap(ctx, eng, cfg.Program); err != nil {
		return err
	}

	if cfg.Keeper.Enabled {
		runner := keeper.New(eng, keeper.Config{
			Signer:      cfg.Keeper.Signer,
			AdminSigner: cfg.Keeper.AdminSigner,
			Interval:    cfg.Keeper.Interval.Duration,
			Concurrency: cfg.Keeper.Concurrency,
			Now:         clock,
		})
		g.Go(func() error { return ignoreCanceled(runner.Run(gctx)) })
	}

	// --- HTTP ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      newRouter(cfg.Server, api.NewService(eng, ledger), hub, ledger, devPrices),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		slog.Info("parimutuel-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down parimutuel-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bootstrap initializes the program from config on first start.
func bootstrap(ctx context.Context, eng *engine.Engine, p config.ProgramConfig) error {
	if p.Admin == "" {
		return nil
	}
	_, err := eng.Initialize(ctx, p.Admin, p.Params())
	switch {
	case err == nil:
		slog.Info("program bootstrapped from config", "admin", p.Admin)
		return nil
	case errors.Is(err, model.ErrAlreadyInitialized):
		return nil
	default:
		return fmt.Errorf("bootstrap program: %w", err)
	}
}

func newRouter(sc config.ServerConfig, svc *api.Service, hub *events.WSHub, funds api.Funder, prices api.PriceSetter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(sc.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"parimutuel-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket round events; long-lived, so outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(sc.RequestTimeout.Duration))
			svc.Mount(r)
			if sc.DevEndpoints {
				svc.MountDev(r, funds, prices)
				slog.Warn("dev endpoints enabled", "funding", funds != nil, "prices", prices != nil)
			}
		})
	})
	return r
}

// cors allows the configured origins for frontend cross-origin requests.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := strings.Join(origins, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.SignerHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
