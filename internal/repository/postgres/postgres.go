package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hummingcloud/controlplane/internal/domain"
	"github.com/hummingcloud/controlplane/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TenantRepository       = (*Repository)(nil)
	_ repository.SubscriptionRepository = (*Repository)(nil)
	_ repository.BackupRepository       = (*Repository)(nil)
	_ repository.CredentialRepository   = (*Repository)(nil)
)

const tenantColumns = `id, subscription_id, tenant_code, display_name, subdomain, api_subdomain,
	dashboard_url, api_url, status, deployment_path, compose_path,
	hummingbot_version, dashboard_version, last_health_check, health_status,
	cpu_usage_percent, memory_usage_mb, last_error, created_at, updated_at`

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	var t domain.Tenant
	err := row.Scan(&t.ID, &t.SubscriptionID, &t.TenantCode, &t.DisplayName, &t.Subdomain, &t.APISubdomain,
		&t.DashboardURL, &t.APIURL, &t.Status, &t.DeploymentPath, &t.ComposePath,
		&t.HummingbotVersion, &t.DashboardVersion, &t.LastHealthCheck, &t.HealthStatus,
		&t.CPUUsagePercent, &t.MemoryUsageMB, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTenant inserts a tenant in its initial provisioning state.
func (r *Repository) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	const query = `INSERT INTO tenants (id, subscription_id, tenant_code, display_name, subdomain, api_subdomain,
			dashboard_url, api_url, status, deployment_path, compose_path,
			hummingbot_version, dashboard_version, health_status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.pool.Exec(ctx, query, tenant.ID, tenant.SubscriptionID, tenant.TenantCode, tenant.DisplayName,
		tenant.Subdomain, tenant.APISubdomain, tenant.DashboardURL, tenant.APIURL, tenant.Status,
		tenant.DeploymentPath, tenant.ComposePath, tenant.HummingbotVersion, tenant.DashboardVersion,
		tenant.HealthStatus, tenant.LastError, tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

// GetTenantByID fetches a tenant by identifier.
func (r *Repository) GetTenantByID(ctx context.Context, id string) (*domain.Tenant, error) {
	const query = `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(r.pool.QueryRow(ctx, query, id))
}

// ListTenantsByStatus returns tenants currently in the given lifecycle state.
func (r *Repository) ListTenantsByStatus(ctx context.Context, status domain.TenantStatus) ([]domain.Tenant, error) {
	const query = `SELECT ` + tenantColumns + ` FROM tenants WHERE status = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]domain.Tenant, 0)
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// UpdateTenantStatus applies a lifecycle transition in a single row write.
func (r *Repository) UpdateTenantStatus(ctx context.Context, update domain.TenantStatusUpdate) error {
	const query = `UPDATE tenants SET
			status = $2,
			deployment_path = COALESCE(NULLIF($3, ''), deployment_path),
			compose_path = COALESCE(NULLIF($4, ''), compose_path),
			last_error = $5,
			updated_at = $6
		WHERE id = $1`
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	tag, err := r.pool.Exec(ctx, query, update.TenantID, update.Status, update.DeploymentPath,
		update.ComposePath, update.LastError, updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateTenantHealth overwrites the tenant's health snapshot.
func (r *Repository) UpdateTenantHealth(ctx context.Context, update domain.TenantHealthUpdate) error {
	const query = `UPDATE tenants SET
			last_health_check = $2,
			health_status = $3,
			cpu_usage_percent = $4,
			memory_usage_mb = $5,
			updated_at = $2
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.TenantID, update.CheckedAt, update.HealthStatus,
		update.CPUUsagePercent, update.MemoryUsageMB)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateTenantVersion records the image versions a tenant is running.
func (r *Repository) UpdateTenantVersion(ctx context.Context, tenantID, hummingbotVersion, dashboardVersion string) error {
	const query = `UPDATE tenants SET
			hummingbot_version = $2,
			dashboard_version = COALESCE(NULLIF($3, ''), dashboard_version),
			updated_at = $4
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, tenantID, hummingbotVersion, dashboardVersion, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetSubscriptionByID fetches subscription quota facts.
func (r *Repository) GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error) {
	const query = `SELECT id, tier, status, max_bots, cpu_limit, memory_limit_mb, backup_retention_days,
			created_at, updated_at
		FROM subscriptions WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var s domain.Subscription
	if err := row.Scan(&s.ID, &s.Tier, &s.Status, &s.MaxBots, &s.CPULimit, &s.MemoryLimitMB,
		&s.BackupRetentionDays, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

const backupColumns = `id, tenant_id, backup_type, includes_database, includes_configs, includes_logs,
	status, backup_path, file_size_bytes, error_message, restore_stage,
	started_at, completed_at, expires_at, created_at`

func scanBackup(row pgx.Row) (*domain.Backup, error) {
	var b domain.Backup
	err := row.Scan(&b.ID, &b.TenantID, &b.BackupType, &b.IncludesDatabase, &b.IncludesConfigs, &b.IncludesLogs,
		&b.Status, &b.BackupPath, &b.FileSizeBytes, &b.ErrorMessage, &b.RestoreStage,
		&b.StartedAt, &b.CompletedAt, &b.ExpiresAt, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// CreateBackup inserts a snapshot attempt row.
func (r *Repository) CreateBackup(ctx context.Context, backup *domain.Backup) error {
	const query = `INSERT INTO backups (id, tenant_id, backup_type, includes_database, includes_configs,
			includes_logs, status, backup_path, file_size_bytes, error_message, restore_stage,
			started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query, backup.ID, backup.TenantID, backup.BackupType, backup.IncludesDatabase,
		backup.IncludesConfigs, backup.IncludesLogs, backup.Status, backup.BackupPath, backup.FileSizeBytes,
		backup.ErrorMessage, backup.RestoreStage, backup.StartedAt, backup.CreatedAt)
	return err
}

// GetBackupByID fetches a snapshot row.
func (r *Repository) GetBackupByID(ctx context.Context, id string) (*domain.Backup, error) {
	const query = `SELECT ` + backupColumns + ` FROM backups WHERE id = $1`
	return scanBackup(r.pool.QueryRow(ctx, query, id))
}

// UpdateBackupStatus moves a backup row to its terminal state.
func (r *Repository) UpdateBackupStatus(ctx context.Context, update domain.BackupStatusUpdate) error {
	const query = `UPDATE backups SET
			status = $2,
			backup_path = COALESCE(NULLIF($3, ''), backup_path),
			file_size_bytes = $4,
			error_message = $5,
			completed_at = $6,
			expires_at = $7
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.BackupID, update.Status, update.BackupPath,
		update.FileSizeBytes, update.ErrorMessage, update.CompletedAt, update.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateRestoreStage records the last completed stage of a restore run.
func (r *Repository) UpdateRestoreStage(ctx context.Context, backupID, stage string) error {
	const query = `UPDATE backups SET restore_stage = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, backupID, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListBackupsByTenant returns a tenant's snapshots, newest first.
func (r *Repository) ListBackupsByTenant(ctx context.Context, tenantID string) ([]domain.Backup, error) {
	const query = `SELECT ` + backupColumns + ` FROM backups WHERE tenant_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := make([]domain.Backup, 0)
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

// ListExpiredBackups returns completed snapshots whose retention has lapsed.
func (r *Repository) ListExpiredBackups(ctx context.Context, now time.Time) ([]domain.Backup, error) {
	const query = `SELECT ` + backupColumns + ` FROM backups
		WHERE status = 'completed' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := make([]domain.Backup, 0)
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

// DeleteBackup removes a snapshot row after its artifact is gone.
func (r *Repository) DeleteBackup(ctx context.Context, backupID string) error {
	const query = `DELETE FROM backups WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, backupID)
	return err
}

// UpsertCredential stores or replaces a tenant's encrypted exchange secrets.
func (r *Repository) UpsertCredential(ctx context.Context, cred *domain.ExchangeCredential) error {
	const query = `INSERT INTO exchange_credentials (id, tenant_id, exchange,
			encrypted_api_key, nonce_key, encrypted_api_secret, nonce_secret,
			encrypted_passphrase, nonce_passphrase, key_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, exchange) DO UPDATE SET
			encrypted_api_key = EXCLUDED.encrypted_api_key,
			nonce_key = EXCLUDED.nonce_key,
			encrypted_api_secret = EXCLUDED.encrypted_api_secret,
			nonce_secret = EXCLUDED.nonce_secret,
			encrypted_passphrase = EXCLUDED.encrypted_passphrase,
			nonce_passphrase = EXCLUDED.nonce_passphrase,
			key_version = EXCLUDED.key_version,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, cred.ID, cred.TenantID, cred.Exchange,
		cred.EncryptedAPIKey, cred.NonceKey, cred.EncryptedAPISecret, cred.NonceSecret,
		cred.EncryptedPassphrase, cred.NoncePassphrase, cred.KeyVersion, cred.CreatedAt, cred.UpdatedAt)
	return err
}

// GetCredential fetches a tenant's encrypted secrets for one exchange.
func (r *Repository) GetCredential(ctx context.Context, tenantID, exchange string) (*domain.ExchangeCredential, error) {
	const query = `SELECT id, tenant_id, exchange, encrypted_api_key, nonce_key,
			encrypted_api_secret, nonce_secret, encrypted_passphrase, nonce_passphrase,
			key_version, created_at, updated_at
		FROM exchange_credentials WHERE tenant_id = $1 AND exchange = $2`
	row := r.pool.QueryRow(ctx, query, tenantID, exchange)
	var c domain.ExchangeCredential
	if err := row.Scan(&c.ID, &c.TenantID, &c.Exchange, &c.EncryptedAPIKey, &c.NonceKey,
		&c.EncryptedAPISecret, &c.NonceSecret, &c.EncryptedPassphrase, &c.NoncePassphrase,
		&c.KeyVersion, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListCredentialsByKeyVersion returns secrets produced under the given
// master key version. A rotation sweep uses this to find bundles that
// still need re-encryption.
func (r *Repository) ListCredentialsByKeyVersion(ctx context.Context, keyVersion string) ([]domain.ExchangeCredential, error) {
	const query = `SELECT id, tenant_id, exchange, encrypted_api_key, nonce_key,
			encrypted_api_secret, nonce_secret, encrypted_passphrase, nonce_passphrase,
			key_version, created_at, updated_at
		FROM exchange_credentials WHERE key_version = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, keyVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make([]domain.ExchangeCredential, 0)
	for rows.Next() {
		var c domain.ExchangeCredential
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Exchange, &c.EncryptedAPIKey, &c.NonceKey,
			&c.EncryptedAPISecret, &c.NonceSecret, &c.EncryptedPassphrase, &c.NoncePassphrase,
			&c.KeyVersion, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}
