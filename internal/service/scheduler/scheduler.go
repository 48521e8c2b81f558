// Package scheduler drives the control plane's periodic sweeps: health
// checks, daily backups, and backup retention cleanup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/hummingcloud/controlplane/internal/domain"
	"github.com/hummingcloud/controlplane/internal/metrics"
	"github.com/hummingcloud/controlplane/internal/notify"
	"github.com/hummingcloud/controlplane/internal/repository"
	"github.com/hummingcloud/controlplane/pkg/config"
)

// HealthChecker is the slice of the orchestrator the health sweep drives.
type HealthChecker interface {
	CheckHealth(ctx context.Context, tenantID string) (domain.HealthReport, error)
}

// Snapshotter is the slice of the backup manager the sweeps drive.
type Snapshotter interface {
	CreateBackup(ctx context.Context, tenantID string, backupType domain.BackupType, includeLogs bool) (*domain.Backup, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Alerter publishes deduplicated operational alerts.
type Alerter interface {
	Publish(ctx context.Context, alert notify.Alert)
}

// Scheduler owns the sweep tickers. One Run loop serves all three sweeps
// so a slow sweep delays the next tick instead of piling up.
type Scheduler struct {
	tenants  repository.TenantRepository
	health   HealthChecker
	backups  Snapshotter
	alerts   Alerter
	measures *metrics.Metrics
	logger   *slog.Logger

	healthInterval  time.Duration
	backupInterval  time.Duration
	cleanupInterval time.Duration

	now func() time.Time
}

func New(tenants repository.TenantRepository, health HealthChecker, backups Snapshotter, alerts Alerter, measures *metrics.Metrics, logger *slog.Logger, cfg config.ControlPlaneConfig) *Scheduler {
	if logger != nil {
		logger = logger.With("component", "scheduler")
	}
	return &Scheduler{
		tenants:         tenants,
		health:          health,
		backups:         backups,
		alerts:          alerts,
		measures:        measures,
		logger:          logger,
		healthInterval:  cfg.HealthSweepInterval,
		backupInterval:  cfg.BackupSweepInterval,
		cleanupInterval: cfg.CleanupSweepInterval,
		now:             time.Now,
	}
}

// Run blocks until ctx is done, firing each sweep on its interval.
func (s *Scheduler) Run(ctx context.Context) {
	healthTick := time.NewTicker(s.healthInterval)
	backupTick := time.NewTicker(s.backupInterval)
	cleanupTick := time.NewTicker(s.cleanupInterval)
	defer healthTick.Stop()
	defer backupTick.Stop()
	defer cleanupTick.Stop()

	s.logger.Info("scheduler started",
		"health_interval", s.healthInterval,
		"backup_interval", s.backupInterval,
		"cleanup_interval", s.cleanupInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-healthTick.C:
			s.HealthSweep(ctx)
		case <-backupTick.C:
			s.BackupSweep(ctx)
		case <-cleanupTick.C:
			s.CleanupSweep(ctx)
		}
	}
}

// HealthSweep checks every running tenant and alerts on the unhealthy
// ones. Tenants fail independently.
func (s *Scheduler) HealthSweep(ctx context.Context) {
	tenants, err := s.tenants.ListTenantsByStatus(ctx, domain.TenantRunning)
	if err != nil {
		s.logger.Error("health sweep: list running tenants", "error", err)
		return
	}
	for _, t := range tenants {
		report, err := s.health.CheckHealth(ctx, t.ID)
		if err != nil {
			s.logger.Error("health sweep: check failed", "tenant_id", t.ID, "tenant_code", t.TenantCode, "error", err)
			s.alert(ctx, notify.TypeTenantUnhealthy, t, fmt.Sprintf("health check failed: %v", err))
			continue
		}
		if s.measures != nil {
			s.measures.ObserveHealth(report.Healthy)
		}
		if !report.Healthy {
			s.alert(ctx, notify.TypeTenantUnhealthy, t, unhealthyMessage(report))
		}
	}
}

func unhealthyMessage(report domain.HealthReport) string {
	for _, c := range report.Containers {
		if c.State != "running" {
			return fmt.Sprintf("container %s is %s", c.Name, c.State)
		}
	}
	return "no containers reported"
}

// BackupSweep takes a full backup of every running tenant.
func (s *Scheduler) BackupSweep(ctx context.Context) {
	tenants, err := s.tenants.ListTenantsByStatus(ctx, domain.TenantRunning)
	if err != nil {
		s.logger.Error("backup sweep: list running tenants", "error", err)
		return
	}
	var failed int
	for _, t := range tenants {
		_, err := s.backups.CreateBackup(ctx, t.ID, domain.BackupFull, false)
		if s.measures != nil {
			s.measures.ObserveBackup("scheduled", err)
		}
		if err != nil {
			s.logger.Error("backup sweep: backup failed", "tenant_id", t.ID, "tenant_code", t.TenantCode, "error", err)
			s.alert(ctx, notify.TypeBackupFailed, t, fmt.Sprintf("scheduled backup failed: %v", err))
			failed++
		}
	}
	s.logger.Info("backup sweep finished", "tenants", len(tenants), "failed", failed)
}

// CleanupSweep removes backups past their retention.
func (s *Scheduler) CleanupSweep(ctx context.Context) {
	deleted, err := s.backups.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error("cleanup sweep failed", "error", err)
		return
	}
	if s.measures != nil {
		s.measures.BackupsPurged.Add(float64(deleted))
	}
}

func (s *Scheduler) alert(ctx context.Context, alertType string, tenant domain.Tenant, message string) {
	if s.alerts == nil {
		return
	}
	s.alerts.Publish(ctx, notify.Alert{
		Type:       alertType,
		TenantID:   tenant.ID,
		TenantCode: tenant.TenantCode,
		Message:    message,
		OccurredAt: s.now().UTC(),
	})
}
