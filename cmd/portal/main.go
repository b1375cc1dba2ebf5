package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/config"
	"ngoportal.org/internal/httpapi"
	"ngoportal.org/internal/idp"
	"ngoportal.org/internal/migrate"
	"ngoportal.org/internal/obs"
	"ngoportal.org/internal/reconcile"
	"ngoportal.org/internal/rolechange"
	"ngoportal.org/internal/session"
	"ngoportal.org/internal/store/memory"
	"ngoportal.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the portal needs from a profile store.
type backend interface {
	auth.ProfileStore
	auth.Partitions
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $PORTAL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store backend
		probe httpapi.ReadyProbe
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		if cfg.Store.Migrate {
			mgr := migrate.NewManager(pgStore.DB(), migrate.Migrations(), migrate.Seeds())
			applied, err := mgr.Up(ctx)
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
			obs.Info("migrations_applied", map[string]any{"count": len(applied), "versions": applied})
		}
		store, probe = pgStore, httpapi.ReadyProbe{Store: pgStore}
	} else {
		obs.Warn("memory_store", map[string]any{"reason": "no postgres dsn configured; data is lost on restart"})
		store = memory.NewStore()
	}

	provider, err := idp.NewLocal(cfg.Auth.Secret, idp.WithTTL(cfg.Auth.TokenTTL))
	if err != nil {
		log.Fatalf("identity provider: %v", err)
	}
	defer provider.Close()

	rec, err := reconcile.New(store, store)
	if err != nil {
		log.Fatalf("reconciler: %v", err)
	}
	queue := reconcile.NewQueue(rec,
		reconcile.WithQueueSize(cfg.Reconcile.QueueSize),
		reconcile.WithRetry(cfg.Reconcile.MaxAttempts, cfg.Reconcile.Backoff),
		reconcile.WithScanInterval(cfg.Reconcile.Interval),
	)
	go func() {
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			obs.Error("reconcile_queue_stopped", map[string]any{"error": err})
		}
	}()

	dir, err := auth.NewDirectory(provider, store, store, auth.WithDirectoryReconciler(queue))
	if err != nil {
		log.Fatalf("directory: %v", err)
	}
	if b := cfg.Bootstrap; b.AdminEmail != "" {
		admin, err := dir.Bootstrap(ctx, auth.NewUser{Email: b.AdminEmail, Password: b.AdminPassword, FullName: b.AdminName})
		if err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
		obs.Info("admin_bootstrapped", map[string]any{"identity_id": admin.ID, "email": admin.Email})
	}

	roles, err := rolechange.New(store, store,
		rolechange.WithStepTimeout(cfg.RoleChange.StepTimeout),
		rolechange.WithReconciler(queue),
		rolechange.WithChangeNotifier(provider.ProfileChanged),
	)
	if err != nil {
		log.Fatalf("role orchestrator: %v", err)
	}

	sessions := session.NewRegistry(provider, store,
		session.WithIdleTTL(cfg.Session.IdleTTL),
		session.WithStoreOptions(session.WithLoginRecorder(dir)),
	)
	defer sessions.Close()
	go sessions.Run(ctx, cfg.Session.SweepInterval)

	api, err := httpapi.New(httpapi.Deps{
		Sessions:           sessions,
		Directory:          dir,
		Roles:              roles,
		Reconciler:         rec,
		ProfileChanged:     provider.ProfileChanged,
		ReconcileScheduled: true,
	}, probe, version,
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		httpapi.WithSecureCookies(cfg.HTTP.SecureCookies),
		httpapi.WithSignInRate(cfg.Auth.SignInBurst, cfg.Auth.SignInPerSecond),
	)
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Info("portal_starting", map[string]any{"version": version, "addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("portal_shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Warn("shutdown_incomplete", map[string]any{"error": err})
	}
	obs.Info("portal_stopped", nil)
}
