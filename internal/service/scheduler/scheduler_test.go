package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/hummingcloud/controlplane/internal/domain"
	"github.com/hummingcloud/controlplane/internal/notify"
	"github.com/hummingcloud/controlplane/internal/repository"
	"github.com/hummingcloud/controlplane/pkg/config"
)

type stubTenantRepo struct {
	running []domain.Tenant
}

func (s *stubTenantRepo) CreateTenant(ctx context.Context, tenant *domain.Tenant) error { return nil }

func (s *stubTenantRepo) GetTenantByID(ctx context.Context, id string) (*domain.Tenant, error) {
	return nil, repository.ErrNotFound
}

func (s *stubTenantRepo) ListTenantsByStatus(ctx context.Context, status domain.TenantStatus) ([]domain.Tenant, error) {
	if status != domain.TenantRunning {
		return nil, nil
	}
	return append([]domain.Tenant(nil), s.running...), nil
}

func (s *stubTenantRepo) UpdateTenantStatus(ctx context.Context, update domain.TenantStatusUpdate) error {
	return nil
}

func (s *stubTenantRepo) UpdateTenantHealth(ctx context.Context, update domain.TenantHealthUpdate) error {
	return nil
}

func (s *stubTenantRepo) UpdateTenantVersion(ctx context.Context, tenantID, hv, dv string) error {
	return nil
}

type stubHealthChecker struct {
	reports map[string]domain.HealthReport
	errs    map[string]error
}

func (s *stubHealthChecker) CheckHealth(ctx context.Context, tenantID string) (domain.HealthReport, error) {
	if err := s.errs[tenantID]; err != nil {
		return domain.HealthReport{}, err
	}
	return s.reports[tenantID], nil
}

type stubSnapshotter struct {
	mu      sync.Mutex
	backups []string
	errs    map[string]error
	cleaned int
}

func (s *stubSnapshotter) CreateBackup(ctx context.Context, tenantID string, backupType domain.BackupType, includeLogs bool) (*domain.Backup, error) {
	s.mu.Lock()
	s.backups = append(s.backups, tenantID)
	s.mu.Unlock()
	if err := s.errs[tenantID]; err != nil {
		return nil, err
	}
	return &domain.Backup{ID: "b-" + tenantID, TenantID: tenantID, BackupType: backupType}, nil
}

func (s *stubSnapshotter) CleanupExpired(ctx context.Context) (int, error) {
	return s.cleaned, nil
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (c *captureAlerter) Publish(ctx context.Context, alert notify.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
}

func newTestScheduler(tenants *stubTenantRepo, health HealthChecker, backups Snapshotter, alerts Alerter) *Scheduler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ControlPlaneConfig{
		HealthSweepInterval:  time.Minute,
		BackupSweepInterval:  time.Hour,
		CleanupSweepInterval: time.Hour,
	}
	return New(tenants, health, backups, alerts, nil, log, cfg)
}

func TestHealthSweepAlertsOnUnhealthyTenants(t *testing.T) {
	tenants := &stubTenantRepo{running: []domain.Tenant{
		{ID: "t-1", TenantCode: "acme"},
		{ID: "t-2", TenantCode: "globex"},
		{ID: "t-3", TenantCode: "initech"},
	}}
	health := &stubHealthChecker{
		reports: map[string]domain.HealthReport{
			"t-1": {TenantID: "t-1", Healthy: true},
			"t-2": {TenantID: "t-2", Healthy: false, Containers: []domain.ContainerHealth{{Name: "globex-api", State: "exited"}}},
		},
		errs: map[string]error{"t-3": errors.New("engine unreachable")},
	}
	alerts := &captureAlerter{}
	sched := newTestScheduler(tenants, health, &stubSnapshotter{}, alerts)

	sched.HealthSweep(context.Background())

	if len(alerts.alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts.alerts))
	}
	for _, a := range alerts.alerts {
		if a.Type != notify.TypeTenantUnhealthy {
			t.Fatalf("expected tenant_unhealthy alerts, got %q", a.Type)
		}
	}
}

func TestBackupSweepVisitsAllTenantsDespiteFailures(t *testing.T) {
	tenants := &stubTenantRepo{running: []domain.Tenant{
		{ID: "t-1", TenantCode: "acme"},
		{ID: "t-2", TenantCode: "globex"},
		{ID: "t-3", TenantCode: "initech"},
	}}
	backups := &stubSnapshotter{errs: map[string]error{"t-2": errors.New("pg_dump exited 1")}}
	alerts := &captureAlerter{}
	sched := newTestScheduler(tenants, &stubHealthChecker{}, backups, alerts)

	sched.BackupSweep(context.Background())

	if len(backups.backups) != 3 {
		t.Fatalf("expected all 3 tenants visited, got %v", backups.backups)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Type != notify.TypeBackupFailed {
		t.Fatalf("expected one backup_failed alert, got %v", alerts.alerts)
	}
	if alerts.alerts[0].TenantCode != "globex" {
		t.Fatalf("alert should name the failed tenant, got %q", alerts.alerts[0].TenantCode)
	}
}
