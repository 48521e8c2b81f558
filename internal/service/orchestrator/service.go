package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/hummingcloud/controlplane/internal/container"
	"github.com/hummingcloud/controlplane/internal/domain"
	"github.com/hummingcloud/controlplane/internal/repository"
	"github.com/hummingcloud/controlplane/internal/stack"
	"github.com/hummingcloud/controlplane/pkg/config"
)

var (
	// ErrHealthTimeout indicates a stack never reported all containers
	// running within the polling budget. Distinct from an engine error so
	// callers can tell "never became healthy" from "stack reported unhealthy".
	ErrHealthTimeout = errors.New("orchestrator: health poll timed out")

	// ErrRollbackFailed indicates an upgrade failed and the automatic
	// rollback to the prior version also failed. The tenant is left in
	// the error state.
	ErrRollbackFailed = errors.New("orchestrator: rollback failed")

	// ErrTenantTerminated rejects operations against a decommissioned tenant.
	ErrTenantTerminated = errors.New("orchestrator: tenant is terminated")

	errStackNotReady = errors.New("stack not ready")
)

// Snapshotter produces blocking pre-upgrade snapshots.
type Snapshotter interface {
	CreateBackup(ctx context.Context, tenantID string, backupType domain.BackupType, includeLogs bool) (*domain.Backup, error)
}

// Service is the tenant lifecycle state machine. Lifecycle mutations
// (provision, start, stop, upgrade, terminate) serialize per tenant.
type Service struct {
	tenants   repository.TenantRepository
	subs      repository.SubscriptionRepository
	engine    container.Engine
	snapshots Snapshotter
	logger    *slog.Logger

	basePath     string
	versions     stack.Versions
	pollInterval time.Duration
	pollTimeout  time.Duration

	locks *tenantLocks
	now   func() time.Time
}

// New returns a lifecycle orchestrator. The snapshotter may be bound
// later via BindSnapshots when construction order requires it.
func New(tenants repository.TenantRepository, subs repository.SubscriptionRepository, engine container.Engine, snapshots Snapshotter, logger *slog.Logger, cfg config.ControlPlaneConfig) *Service {
	if logger != nil {
		logger = logger.With("component", "orchestrator")
	}
	return &Service{
		tenants:   tenants,
		subs:      subs,
		engine:    engine,
		snapshots: snapshots,
		logger:    logger,
		basePath:  cfg.TenantBasePath,
		versions: stack.Versions{
			Hummingbot: cfg.HummingbotVersion,
			Dashboard:  cfg.DashboardVersion,
		},
		pollInterval: cfg.HealthPollInterval,
		pollTimeout:  cfg.HealthPollTimeout,
		locks:        newTenantLocks(),
		now:          time.Now,
	}
}

// BindSnapshots wires the backup service after construction. The backup
// service needs the orchestrator for restores, so one side binds late.
func (s *Service) BindSnapshots(snapshots Snapshotter) {
	s.snapshots = snapshots
}

// Provision brings up a new tenant stack end to end: directory skeleton,
// rendered configuration, container start, health poll, then the running
// state with the deployment path persisted. Single-shot: any failure
// moves the tenant to the error state and is returned; retry is the
// caller's decision.
func (s *Service) Provision(ctx context.Context, tenantID string) error {
	defer s.locks.lock(tenantID)()

	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Status.Terminal() {
		return ErrTenantTerminated
	}
	sub, err := s.subs.GetSubscriptionByID(ctx, tenant.SubscriptionID)
	if err != nil {
		return err
	}

	s.logger.Info("provisioning tenant stack", "tenant_id", tenantID, "tenant_code", tenant.TenantCode)
	if err := s.provision(ctx, tenant, sub); err != nil {
		s.markError(ctx, tenantID, err)
		return err
	}
	s.logger.Info("tenant stack provisioned", "tenant_id", tenantID, "subdomain", tenant.Subdomain)
	return nil
}

func (s *Service) provision(ctx context.Context, tenant *domain.Tenant, sub *domain.Subscription) error {
	root := filepath.Join(s.basePath, tenant.TenantCode)

	versions := s.versions
	if tenant.HummingbotVersion != "" {
		versions.Hummingbot = tenant.HummingbotVersion
	}
	if tenant.DashboardVersion != "" {
		versions.Dashboard = tenant.DashboardVersion
	}

	in, err := stack.NewInput(*tenant, *sub, versions)
	if err != nil {
		return fmt.Errorf("render stack config: %w", err)
	}
	composePath, err := stack.Materialize(root, in, *tenant, *sub, s.now())
	if err != nil {
		return fmt.Errorf("materialize stack: %w", err)
	}

	if err := s.engine.BringUp(ctx, root); err != nil {
		return fmt.Errorf("bring up stack: %w", err)
	}
	if err := s.waitForHealthy(ctx, root); err != nil {
		return err
	}

	if err := s.tenants.UpdateTenantVersion(ctx, tenant.ID, versions.Hummingbot, versions.Dashboard); err != nil {
		return fmt.Errorf("persist versions: %w", err)
	}
	if err := s.tenants.UpdateTenantStatus(ctx, domain.TenantStatusUpdate{
		TenantID:       tenant.ID,
		Status:         domain.TenantRunning,
		DeploymentPath: root,
		ComposePath:    composePath,
		UpdatedAt:      s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	return s.tenants.UpdateTenantHealth(ctx, domain.TenantHealthUpdate{
		TenantID:     tenant.ID,
		HealthStatus: "healthy",
		CheckedAt:    s.now().UTC(),
	})
}

// Start brings an existing stack back up. Status updates only on
// success; a failure is returned without other side effects.
func (s *Service) Start(ctx context.Context, tenantID string) error {
	defer s.locks.lock(tenantID)()

	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Status.Terminal() {
		return ErrTenantTerminated
	}
	if err := s.engine.BringUp(ctx, tenant.DeploymentPath); err != nil {
		return fmt.Errorf("bring up stack: %w", err)
	}
	return s.setStatus(ctx, tenantID, domain.TenantRunning)
}

// Stop brings a stack down. Status updates only on success.
func (s *Service) Stop(ctx context.Context, tenantID string) error {
	defer s.locks.lock(tenantID)()
	return s.stopLocked(ctx, tenantID)
}

func (s *Service) stopLocked(ctx context.Context, tenantID string) error {
	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Status.Terminal() {
		return ErrTenantTerminated
	}
	if err := s.engine.BringDown(ctx, tenant.DeploymentPath); err != nil {
		return fmt.Errorf("bring down stack: %w", err)
	}
	return s.setStatus(ctx, tenantID, domain.TenantStopped)
}

// Terminate decommissions a tenant: the stack comes down and the tenant
// enters the terminal terminated state. The row is retained for audit.
func (s *Service) Terminate(ctx context.Context, tenantID string) error {
	defer s.locks.lock(tenantID)()

	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Status.Terminal() {
		return nil
	}
	if err := s.engine.BringDown(ctx, tenant.DeploymentPath); err != nil {
		return fmt.Errorf("bring down stack: %w", err)
	}
	s.logger.Info("tenant terminated", "tenant_id", tenantID, "tenant_code", tenant.TenantCode)
	return s.setStatus(ctx, tenantID, domain.TenantTerminated)
}

// Upgrade moves a tenant stack to a new image version. When backupFirst
// is set, a pre-upgrade snapshot completes before any image changes.
// On failure one automatic rollback to the prior version runs: if the
// rollback succeeds the tenant stays running at the old version and the
// original error is returned; if the rollback also fails the tenant
// enters the error state and ErrRollbackFailed carries both causes.
func (s *Service) Upgrade(ctx context.Context, tenantID, newVersion string, backupFirst bool) error {
	defer s.locks.lock(tenantID)()

	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Status.Terminal() {
		return ErrTenantTerminated
	}
	oldVersion := tenant.HummingbotVersion

	s.logger.Info("upgrading tenant stack", "tenant_id", tenantID, "from", oldVersion, "to", newVersion)

	upgradeErr := func() error {
		if backupFirst {
			if s.snapshots == nil {
				return errors.New("orchestrator: no snapshotter bound")
			}
			if _, err := s.snapshots.CreateBackup(ctx, tenantID, domain.BackupPreUpgrade, false); err != nil {
				return fmt.Errorf("pre-upgrade backup: %w", err)
			}
		}
		return s.applyVersion(ctx, tenant, newVersion)
	}()
	if upgradeErr == nil {
		s.logger.Info("tenant upgraded", "tenant_id", tenantID, "version", newVersion)
		return nil
	}

	s.logger.Error("upgrade failed, rolling back", "tenant_id", tenantID, "version", newVersion, "error", upgradeErr)
	if rbErr := s.applyVersion(ctx, tenant, oldVersion); rbErr != nil {
		s.markError(ctx, tenantID, rbErr)
		return fmt.Errorf("%w: %v (upgrade to %s failed: %v)", ErrRollbackFailed, rbErr, newVersion, upgradeErr)
	}
	s.logger.Info("rollback complete", "tenant_id", tenantID, "version", oldVersion)
	return upgradeErr
}

// applyVersion pulls the version's images, force-recreates the stack,
// polls for health, then persists the running version.
func (s *Service) applyVersion(ctx context.Context, tenant *domain.Tenant, version string) error {
	refs := []string{
		"hummingbot/hummingbot:" + version,
		"hummingbot/dashboard:" + version,
	}
	for _, ref := range refs {
		if err := s.engine.PullImage(ctx, ref); err != nil {
			return fmt.Errorf("pull %s: %w", ref, err)
		}
	}
	if err := s.engine.Recreate(ctx, tenant.DeploymentPath); err != nil {
		return fmt.Errorf("recreate stack: %w", err)
	}
	if err := s.waitForHealthy(ctx, tenant.DeploymentPath); err != nil {
		return err
	}
	return s.tenants.UpdateTenantVersion(ctx, tenant.ID, version, version)
}

// CheckHealth queries per-container state, aggregates resource usage,
// and overwrites the tenant's health snapshot. A tenant is healthy iff
// at least one container is reported and none are in a non-running
// state. Stats failures degrade to zeros with a warning.
func (s *Service) CheckHealth(ctx context.Context, tenantID string) (domain.HealthReport, error) {
	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return domain.HealthReport{}, err
	}

	states, err := s.engine.ListContainerStates(ctx, tenant.DeploymentPath)
	if err != nil {
		return domain.HealthReport{}, fmt.Errorf("list container states: %w", err)
	}

	report := domain.HealthReport{
		TenantID:  tenantID,
		Healthy:   stackHealthy(states),
		CheckedAt: s.now().UTC(),
	}
	for _, st := range states {
		report.Containers = append(report.Containers, domain.ContainerHealth{Name: st.Name, State: st.State})
		stats, err := s.engine.Stats(ctx, st.Name)
		if err != nil {
			s.logger.Warn("container stats unavailable", "tenant_id", tenantID, "container", st.Name, "error", err)
			continue
		}
		report.CPUPercent += stats.CPUPercent
		report.MemoryMB += float64(stats.MemoryBytes) / (1024 * 1024)
	}

	status := "unhealthy"
	if report.Healthy {
		status = "healthy"
	}
	if err := s.tenants.UpdateTenantHealth(ctx, domain.TenantHealthUpdate{
		TenantID:        tenantID,
		HealthStatus:    status,
		CPUUsagePercent: report.CPUPercent,
		MemoryUsageMB:   report.MemoryMB,
		CheckedAt:       report.CheckedAt,
	}); err != nil {
		return domain.HealthReport{}, fmt.Errorf("persist health snapshot: %w", err)
	}
	return report, nil
}

// WaitHealthy polls the stack in stackDir until every container runs or
// the budget lapses.
func (s *Service) WaitHealthy(ctx context.Context, stackDir string) error {
	return s.waitForHealthy(ctx, stackDir)
}

func (s *Service) waitForHealthy(ctx context.Context, stackDir string) error {
	backoff := retry.WithMaxDuration(s.pollTimeout, retry.NewConstant(s.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		states, err := s.engine.ListContainerStates(ctx, stackDir)
		if err != nil {
			return retry.RetryableError(err)
		}
		if stackHealthy(states) {
			return nil
		}
		return retry.RetryableError(errStackNotReady)
	})
	if err != nil {
		return fmt.Errorf("%w after %s: %v", ErrHealthTimeout, s.pollTimeout, err)
	}
	return nil
}

func stackHealthy(states []container.ContainerState) bool {
	if len(states) == 0 {
		return false
	}
	for _, st := range states {
		if !st.Running() {
			return false
		}
	}
	return true
}

func (s *Service) setStatus(ctx context.Context, tenantID string, status domain.TenantStatus) error {
	return s.tenants.UpdateTenantStatus(ctx, domain.TenantStatusUpdate{
		TenantID:  tenantID,
		Status:    status,
		UpdatedAt: s.now().UTC(),
	})
}

// markError records the failure on the tenant row. The original error
// still propagates to the caller; this write is best-effort.
func (s *Service) markError(ctx context.Context, tenantID string, cause error) {
	if err := s.tenants.UpdateTenantStatus(ctx, domain.TenantStatusUpdate{
		TenantID:  tenantID,
		Status:    domain.TenantError,
		LastError: cause.Error(),
		UpdatedAt: s.now().UTC(),
	}); err != nil {
		s.logger.Error("failed to record tenant error", "tenant_id", tenantID, "error", err)
	}
}
