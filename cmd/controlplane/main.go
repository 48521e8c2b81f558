package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hummingcloud/controlplane/internal/app/migrate"
	"github.com/hummingcloud/controlplane/internal/container/docker"
	"github.com/hummingcloud/controlplane/internal/metrics"
	"github.com/hummingcloud/controlplane/internal/notify"
	"github.com/hummingcloud/controlplane/internal/repository/postgres"
	"github.com/hummingcloud/controlplane/internal/service/backup"
	"github.com/hummingcloud/controlplane/internal/service/credentials"
	"github.com/hummingcloud/controlplane/internal/service/orchestrator"
	"github.com/hummingcloud/controlplane/internal/service/scheduler"
	"github.com/hummingcloud/controlplane/internal/vault"
	"github.com/hummingcloud/controlplane/pkg/config"
	"github.com/hummingcloud/controlplane/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadControlPlaneConfig()
	log := logger.New("controlplane", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to container engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Error("container engine ping failed", "error", err)
		os.Exit(1)
	}

	v, err := vault.New(cfg.MasterKey, cfg.KeyVersion)
	if err != nil {
		log.Error("vault initialization failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	orchSvc := orchestrator.New(repo, repo, engine, nil, log, cfg)
	backupSvc := backup.New(repo, repo, repo, engine, orchSvc, log, cfg)
	orchSvc.BindSnapshots(backupSvc)
	credSvc := credentials.New(repo, v, log)
	auditRetiredKeys(ctx, credSvc, log)

	dedup := notify.NewMemoryDeduper()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisDedup, err := notify.NewRedisDeduper(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis alert dedup unavailable, using in-memory dedup", "error", err)
		} else {
			dedup = redisDedup
		}
	}
	defer dedup.Close()
	alerts := notify.New(dedup, notify.LogSink{Logger: log}, log, cfg.AlertDedupWindow)

	measures := metrics.New(prometheus.DefaultRegisterer)

	sched := scheduler.New(repo, orchSvc, backupSvc, alerts, measures, log, cfg)
	go sched.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane started", "metrics_addr", cfg.MetricsAddr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// auditRetiredKeys surfaces secrets still sealed under retired master
// key versions so operators can run the rotation runbook.
func auditRetiredKeys(ctx context.Context, credSvc *credentials.Service, log *slog.Logger) {
	retired := strings.TrimSpace(config.GetString("RETIRED_KEY_VERSIONS", ""))
	if retired == "" {
		return
	}
	for _, kv := range strings.Split(retired, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		stale, err := credSvc.StaleCredentials(ctx, kv)
		if err != nil {
			log.Warn("retired key audit failed", "key_version", kv, "error", err)
			continue
		}
		if len(stale) > 0 {
			log.Warn("credentials still sealed under retired key version", "key_version", kv, "count", len(stale))
		}
	}
}
