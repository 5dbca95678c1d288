package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/registry"
	"github.com/atmx/lending-engine/internal/store"
)

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Registry ---
	catalog := registry.NewCatalog(st)
	if err := catalog.Load(ctx); err != nil {
		return err
	}

	// --- Oracle ---
	signers := cfg.Oracle.Signers()
	accounts, err := oracle.NewAccountStore(cfg.Oracle.AccountCache, signers)
	if err != nil {
		return fmt.Errorf("price account store: %w", err)
	}
	book := oracle.NewBook()
	policy := oracle.Policy{MaxFutureSkew: cfg.Oracle.MaxFutureSkew, MaxConfBps: cfg.Oracle.MaxConfBps}
	resolver := oracle.NewResolver(accounts, accounts, book, cfg.Oracle.MaxAge, policy)

	// --- WebSocket hub ---
	wsHub := lending.NewWSHub()
	go wsHub.Run(ctx)

	if cfg.Oracle.HermesURL != "" {
		client := oracle.NewHermesClient(cfg.Oracle.HermesURL, cfg.Oracle.RequestTimeout, cfg.Oracle.RequestsPerSec, cfg.Oracle.Burst)
		refresher, err := oracle.NewRefresher(client, accounts, accounts, book,
			func() []feed.ID { return catalog.Snapshot().Feeds() },
			cfg.Oracle.RefreshInterval,
			oracle.WithNotifier(wsHub),
		)
		if err != nil {
			return fmt.Errorf("oracle refresher: %w", err)
		}
		go func() {
			if err := refresher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("oracle refresher stopped", "err", err)
			}
		}()
	} else {
		slog.Warn("oracle.hermes_url not set, prices come from attached updates or registry fallbacks")
	}

	// --- Lending controller and API ---
	ctrl := lending.NewController(st, catalog, resolver, wsHub)
	auth := lending.NewAuthenticator(authConfig(cfg.Auth))
	if !cfg.Auth.Enabled {
		slog.Warn("auth disabled, every route is open")
	}
	limiter := lending.NewRateLimiter(lending.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})
	api := lending.NewAPI(ctrl, catalog, resolver, auth, limiter, wsHub)

	r := newRouter(cfg.Server, api)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("lending-engine listening",
			"addr", cfg.Listen,
			"assets", len(catalog.List()),
			"trusted_signers", len(signers),
			"auth", cfg.Auth.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("lending-engine stopped")
	return nil
}

// newRouter mounts the service endpoints and the API behind the common
// middleware stack.
func newRouter(sc config.ServerConfig, api *lending.API) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if sc.TrustProxyHeaders {
		// Only safe behind a proxy that overwrites these headers.
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(sc.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lending-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.Routes(r)
	return r
}

// openStore selects PostgreSQL (optionally behind Redis) when a database
// URL is configured and falls back to the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, []func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	pg, closePool, err := openPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	cleanup := []func(){closePool}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closePool()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	var st store.Store = pg
	slog.Info("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closePool()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append([]func(){func() { rdb.Close() }}, cleanup...)
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL.String())
	}
	return st, cleanup, nil
}

func openPostgres(ctx context.Context, url string) (*store.PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}
