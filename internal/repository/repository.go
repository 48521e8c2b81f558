package repository

import (
	"context"
	"time"

	"github.com/hummingcloud/controlplane/internal/domain"
)

// TenantRepository persists tenant lifecycle state.
type TenantRepository interface {
	CreateTenant(ctx context.Context, tenant *domain.Tenant) error
	GetTenantByID(ctx context.Context, id string) (*domain.Tenant, error)
	ListTenantsByStatus(ctx context.Context, status domain.TenantStatus) ([]domain.Tenant, error)
	UpdateTenantStatus(ctx context.Context, update domain.TenantStatusUpdate) error
	UpdateTenantHealth(ctx context.Context, update domain.TenantHealthUpdate) error
	UpdateTenantVersion(ctx context.Context, tenantID, hummingbotVersion, dashboardVersion string) error
}

// SubscriptionRepository reads quota facts owned by the billing collaborator.
type SubscriptionRepository interface {
	GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error)
}

// BackupRepository persists snapshot attempts.
type BackupRepository interface {
	CreateBackup(ctx context.Context, backup *domain.Backup) error
	GetBackupByID(ctx context.Context, id string) (*domain.Backup, error)
	UpdateBackupStatus(ctx context.Context, update domain.BackupStatusUpdate) error
	UpdateRestoreStage(ctx context.Context, backupID, stage string) error
	ListBackupsByTenant(ctx context.Context, tenantID string) ([]domain.Backup, error)
	ListExpiredBackups(ctx context.Context, now time.Time) ([]domain.Backup, error)
	DeleteBackup(ctx context.Context, backupID string) error
}

// CredentialRepository stores encrypted exchange API secrets.
type CredentialRepository interface {
	UpsertCredential(ctx context.Context, cred *domain.ExchangeCredential) error
	GetCredential(ctx context.Context, tenantID, exchange string) (*domain.ExchangeCredential, error)
	ListCredentialsByKeyVersion(ctx context.Context, keyVersion string) ([]domain.ExchangeCredential, error)
}
