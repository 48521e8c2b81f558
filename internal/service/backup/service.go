package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/hummingcloud/controlplane/internal/container"
	"github.com/hummingcloud/controlplane/internal/domain"
	"github.com/hummingcloud/controlplane/internal/repository"
	"github.com/hummingcloud/controlplane/pkg/config"
)

var (
	// ErrNotRestorable rejects restore attempts against backups that never
	// completed. Checked before any container is touched.
	ErrNotRestorable = errors.New("backup: only completed backups can be restored")

	// ErrInvalidBackupType rejects unknown backup types before a row is
	// created.
	ErrInvalidBackupType = errors.New("backup: invalid backup type")
)

// StackController is the slice of the lifecycle orchestrator a restore
// drives: stop the stack, start it again, wait for it to come healthy.
type StackController interface {
	Stop(ctx context.Context, tenantID string) error
	Start(ctx context.Context, tenantID string) error
	WaitHealthy(ctx context.Context, stackDir string) error
}

// Restore stages, recorded on the backup row as each one completes.
const (
	StageStopped   = "stopped"
	StageExtracted = "extracted"
	StageDatabase  = "database"
	StageConfigs   = "configs"
	StageData      = "data"
	StageStarted   = "started"
	StageHealthy   = "healthy"
	StageDone      = "done"
)

// Service creates, restores, and expires tenant snapshots. Snapshots are
// tar.gz archives holding the database dump, configuration, persistent
// data, and optionally logs.
type Service struct {
	backups repository.BackupRepository
	tenants repository.TenantRepository
	subs    repository.SubscriptionRepository
	engine  container.Engine
	stack   StackController
	logger  *slog.Logger

	basePath string
	dbName   string
	dbUser   string

	now func() time.Time
}

// New returns a backup manager. The stack controller may be bound later
// via BindStack when construction order requires it.
func New(backups repository.BackupRepository, tenants repository.TenantRepository, subs repository.SubscriptionRepository, engine container.Engine, stack StackController, logger *slog.Logger, cfg config.ControlPlaneConfig) *Service {
	if logger != nil {
		logger = logger.With("component", "backup")
	}
	return &Service{
		backups:  backups,
		tenants:  tenants,
		subs:     subs,
		engine:   engine,
		stack:    stack,
		logger:   logger,
		basePath: cfg.BackupBasePath,
		dbName:   cfg.TenantDBName,
		dbUser:   cfg.TenantDBUser,
		now:      time.Now,
	}
}

// BindStack wires the lifecycle orchestrator after construction. The
// orchestrator needs this service for pre-upgrade snapshots, so one side
// binds late.
func (s *Service) BindStack(stack StackController) {
	s.stack = stack
}

// CreateBackup snapshots a tenant into a tar.gz archive. The backup row
// is created in the running state and moved to exactly one terminal
// state before this call returns: completed with the archive path, size,
// and expiry, or failed with the error message. A failure also purges
// the scratch directory, best-effort.
func (s *Service) CreateBackup(ctx context.Context, tenantID string, backupType domain.BackupType, includeLogs bool) (*domain.Backup, error) {
	if !backupType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackupType, backupType)
	}
	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sub, err := s.subs.GetSubscriptionByID(ctx, tenant.SubscriptionID)
	if err != nil {
		return nil, err
	}

	started := s.now().UTC()
	backup := &domain.Backup{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		BackupType:       backupType,
		IncludesDatabase: backupType.IncludesDatabase(),
		IncludesConfigs:  true,
		IncludesLogs:     includeLogs,
		Status:           domain.BackupRunning,
		StartedAt:        started,
		CreatedAt:        started,
	}
	if err := s.backups.CreateBackup(ctx, backup); err != nil {
		return nil, fmt.Errorf("record backup: %w", err)
	}

	s.logger.Info("backup started", "backup_id", backup.ID, "tenant_code", tenant.TenantCode, "type", backupType)

	archivePath, size, err := s.snapshot(ctx, tenant, backup)
	if err != nil {
		s.failBackup(ctx, backup.ID, err)
		return nil, err
	}

	completed := s.now().UTC()
	expires := completed.Add(time.Duration(sub.BackupRetentionDays) * 24 * time.Hour)
	if err := s.backups.UpdateBackupStatus(ctx, domain.BackupStatusUpdate{
		BackupID:      backup.ID,
		Status:        domain.BackupCompleted,
		BackupPath:    archivePath,
		FileSizeBytes: size,
		CompletedAt:   &completed,
		ExpiresAt:     &expires,
	}); err != nil {
		return nil, fmt.Errorf("record backup completion: %w", err)
	}

	backup.Status = domain.BackupCompleted
	backup.BackupPath = archivePath
	backup.FileSizeBytes = size
	backup.CompletedAt = &completed
	backup.ExpiresAt = &expires

	s.logger.Info("backup completed", "backup_id", backup.ID, "path", archivePath, "size_bytes", size)
	return backup, nil
}

// snapshot assembles the scratch directory, dumps the database through
// the stack's own postgres container, copies configuration and data,
// archives the lot, and removes the scratch directory.
func (s *Service) snapshot(ctx context.Context, tenant *domain.Tenant, backup *domain.Backup) (string, int64, error) {
	timestamp := s.now().UTC().Format("20060102_150405")
	workDir := filepath.Join(s.basePath, tenant.TenantCode, fmt.Sprintf("%s_%s", backup.BackupType, timestamp))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create backup scratch: %w", err)
	}

	archivePath, size, err := s.fillAndArchive(ctx, tenant, backup, workDir)
	if err != nil {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			s.logger.Warn("failed to purge backup scratch", "backup_id", backup.ID, "path", workDir, "error", rmErr)
		}
		return "", 0, err
	}
	return archivePath, size, nil
}

func (s *Service) fillAndArchive(ctx context.Context, tenant *domain.Tenant, backup *domain.Backup, workDir string) (string, int64, error) {
	if backup.IncludesDatabase {
		if err := s.dumpDatabase(ctx, tenant, filepath.Join(workDir, "database.sql")); err != nil {
			return "", 0, err
		}
	}
	if backup.IncludesConfigs {
		src := filepath.Join(tenant.DeploymentPath, "configs")
		if err := copyDir(src, filepath.Join(workDir, "configs")); err != nil {
			return "", 0, fmt.Errorf("copy configs: %w", err)
		}
	}
	dataSrc := filepath.Join(tenant.DeploymentPath, "data", "hummingbot")
	if err := copyDir(dataSrc, filepath.Join(workDir, "hummingbot_data")); err != nil {
		return "", 0, fmt.Errorf("copy data: %w", err)
	}
	if backup.IncludesLogs {
		src := filepath.Join(tenant.DeploymentPath, "logs")
		if err := copyDir(src, filepath.Join(workDir, "logs")); err != nil {
			return "", 0, fmt.Errorf("copy logs: %w", err)
		}
	}

	archivePath := workDir + ".tar.gz"
	if err := writeTarGz(workDir, archivePath); err != nil {
		return "", 0, err
	}
	if err := os.RemoveAll(workDir); err != nil {
		s.logger.Warn("failed to remove backup scratch", "backup_id", backup.ID, "path", workDir, "error", err)
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	return archivePath, info.Size(), nil
}

// dumpDatabase runs pg_dump inside the tenant's postgres container and
// writes the plain-text dump to dest. The dump never touches the
// container's filesystem.
func (s *Service) dumpDatabase(ctx context.Context, tenant *domain.Tenant, dest string) error {
	containerName := tenant.TenantCode + "-postgres"
	res, err := s.engine.Exec(ctx, containerName, []string{"pg_dump", "-U", s.dbUser, "-d", s.dbName}, nil)
	if err != nil {
		return fmt.Errorf("pg_dump: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("pg_dump exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if err := os.WriteFile(dest, []byte(res.Stdout), 0o600); err != nil {
		return fmt.Errorf("write database dump: %w", err)
	}
	return nil
}

// failBackup records the terminal failed state. Best-effort: the
// original error still propagates to the caller.
func (s *Service) failBackup(ctx context.Context, backupID string, cause error) {
	completed := s.now().UTC()
	if err := s.backups.UpdateBackupStatus(ctx, domain.BackupStatusUpdate{
		BackupID:     backupID,
		Status:       domain.BackupFailed,
		ErrorMessage: cause.Error(),
		CompletedAt:  &completed,
	}); err != nil {
		s.logger.Error("failed to record backup failure", "backup_id", backupID, "error", err)
	}
}

// RestoreBackup replays a completed snapshot into a tenant's stack. The
// pipeline stops the stack, extracts the archive, replays the database
// dump, swaps configuration and data wholesale, starts the stack, and
// waits for health. Each completed stage is recorded on the backup row
// so an aborted restore shows where it stopped.
func (s *Service) RestoreBackup(ctx context.Context, backupID string) error {
	backup, err := s.backups.GetBackupByID(ctx, backupID)
	if err != nil {
		return err
	}
	if backup.Status != domain.BackupCompleted {
		return fmt.Errorf("%w: backup %s is %s", ErrNotRestorable, backupID, backup.Status)
	}
	tenant, err := s.tenants.GetTenantByID(ctx, backup.TenantID)
	if err != nil {
		return err
	}
	if s.stack == nil {
		return errors.New("backup: no stack controller bound")
	}

	s.logger.Info("restore started", "backup_id", backupID, "tenant_code", tenant.TenantCode)

	if err := s.stack.Stop(ctx, tenant.ID); err != nil {
		return fmt.Errorf("stop stack: %w", err)
	}
	s.recordStage(ctx, backupID, StageStopped)

	scratch := filepath.Join(filepath.Dir(backup.BackupPath), "restore_"+backup.ID)
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			s.logger.Warn("failed to remove restore scratch", "backup_id", backupID, "path", scratch, "error", err)
		}
	}()
	if err := extractTarGz(backup.BackupPath, scratch); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	snapshotDir := filepath.Join(scratch, strings.TrimSuffix(filepath.Base(backup.BackupPath), ".tar.gz"))
	s.recordStage(ctx, backupID, StageExtracted)

	if backup.IncludesDatabase {
		if err := s.restoreDatabase(ctx, tenant, filepath.Join(snapshotDir, "database.sql")); err != nil {
			return fmt.Errorf("restore database: %w", err)
		}
		s.recordStage(ctx, backupID, StageDatabase)
	}

	if backup.IncludesConfigs {
		if err := replaceDir(filepath.Join(snapshotDir, "configs"), filepath.Join(tenant.DeploymentPath, "configs")); err != nil {
			return fmt.Errorf("restore configs: %w", err)
		}
		s.recordStage(ctx, backupID, StageConfigs)
	}

	if err := replaceDir(filepath.Join(snapshotDir, "hummingbot_data"), filepath.Join(tenant.DeploymentPath, "data", "hummingbot")); err != nil {
		return fmt.Errorf("restore data: %w", err)
	}
	s.recordStage(ctx, backupID, StageData)

	if err := s.stack.Start(ctx, tenant.ID); err != nil {
		return fmt.Errorf("start stack: %w", err)
	}
	s.recordStage(ctx, backupID, StageStarted)

	if err := s.stack.WaitHealthy(ctx, tenant.DeploymentPath); err != nil {
		return err
	}
	s.recordStage(ctx, backupID, StageHealthy)
	s.recordStage(ctx, backupID, StageDone)

	s.logger.Info("restore completed", "backup_id", backupID, "tenant_code", tenant.TenantCode)
	return nil
}

// restoreDatabase drops and recreates the tenant database inside its
// postgres container, then replays the dump over exec stdin.
func (s *Service) restoreDatabase(ctx context.Context, tenant *domain.Tenant, dumpPath string) error {
	if _, err := os.Stat(dumpPath); os.IsNotExist(err) {
		s.logger.Warn("snapshot carries no database dump, skipping", "tenant_code", tenant.TenantCode)
		return nil
	}
	containerName := tenant.TenantCode + "-postgres"

	drop := []string{"psql", "-U", s.dbUser, "-d", "postgres", "-c",
		fmt.Sprintf("DROP DATABASE IF EXISTS %s; CREATE DATABASE %s OWNER %s;", s.dbName, s.dbName, s.dbUser)}
	res, err := s.engine.Exec(ctx, containerName, drop, nil)
	if err != nil {
		return fmt.Errorf("recreate database: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("recreate database exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	dump, err := os.Open(dumpPath)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer dump.Close()

	res, err = s.engine.Exec(ctx, containerName, []string{"psql", "-U", s.dbUser, "-d", s.dbName}, dump)
	if err != nil {
		return fmt.Errorf("replay dump: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("replay dump exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// recordStage persists restore progress. Best-effort: a failed write
// never aborts the restore itself.
func (s *Service) recordStage(ctx context.Context, backupID, stage string) {
	if err := s.backups.UpdateRestoreStage(ctx, backupID, stage); err != nil {
		s.logger.Warn("failed to record restore stage", "backup_id", backupID, "stage", stage, "error", err)
	}
}

// ListBackups returns a tenant's backup history, newest first.
func (s *Service) ListBackups(ctx context.Context, tenantID string) ([]domain.Backup, error) {
	return s.backups.ListBackupsByTenant(ctx, tenantID)
}

// CleanupExpired deletes archives whose retention lapsed and their rows.
// Each backup is handled independently: a failed file removal or row
// delete is logged and skipped, never aborting the sweep, so the sweep
// is safe to re-run. Returns the number of backups fully removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.backups.ListExpiredBackups(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired backups: %w", err)
	}

	deleted := 0
	for _, b := range expired {
		if b.BackupPath != "" {
			if err := os.Remove(b.BackupPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to remove expired archive", "backup_id", b.ID, "path", b.BackupPath, "error", err)
				continue
			}
		}
		if err := s.backups.DeleteBackup(ctx, b.ID); err != nil {
			s.logger.Warn("failed to delete expired backup row", "backup_id", b.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("expired backups cleaned up", "deleted", deleted, "candidates", len(expired))
	}
	return deleted, nil
}
