// Package app wires the Ember server runtime: config, logging, persistence,
// the session authority, and the HTTP/WebSocket surfaces.
//
// It is intentionally small and deterministic to keep startup behavior
// predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ember/cmd/identity"
	authapi "ember/cmd/internal/auth/api"
	"ember/cmd/internal/auth/revocation"
	"ember/cmd/internal/auth/session"
	"ember/cmd/internal/db"
	"ember/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Ember server runtime: it owns HTTP server wiring and the session
// authority's dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	sessions *session.Service
	auth     *authapi.Handler
	ws       *realtime.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	st, dbPool, dbEnabled, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	var sessStore session.Store
	var userStore identity.Store
	if dbEnabled {
		sessStore = session.NewPostgresStore(dbPool)
		userStore = identity.NewPostgresStore(dbPool)
	} else {
		sessStore = session.NewMemoryStore()
		userStore = identity.NewMemoryStore()
	}

	cache := revocation.NewCache()
	broker := revocation.NewBroker(log)

	sessions := session.NewService(sessCfg, tokens, sessStore, cache, broker, log)

	// Restore the persisted revocation epoch before the first validation.
	if err := sessions.Prime(ctx); err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	if cfg.RevokeAllOnStart {
		epoch, err := sessions.RevokeAll(ctx)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		log.Warn("auth.revoke_all.on_start", "epoch", epoch)
	}

	authHandler := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), userStore, sessions)

	ws := realtime.NewGateway(
		log,
		realtime.LoadGatewayConfigFromEnv(),
		sessions,
		broker,
		realtime.NewHub(log),
		realtime.NewInMemoryRelay(),
	)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		sessions:  sessions,
		auth:      authHandler,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.auth)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRecovery(WithRequestLogging(mux, a.log), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"public_key", a.sessions.PublicKeyHex(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and in-memory dev mode.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, nil
	}

	if cfg.MigrateOnStart {
		if err := db.MigrateUp(cfg.DatabaseURL, log); err != nil {
			return nil, nil, false, err
		}
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store")

	return dbStore{pool: pool}, pool, true, nil
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
