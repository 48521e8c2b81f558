package config

import "time"

// ControlPlaneConfig holds runtime configuration for the control plane daemon.
type ControlPlaneConfig struct {
	Environment string
	MetricsAddr string

	DatabaseURL   string
	MigrationsDir string

	DockerHost string

	TenantBasePath string
	BackupBasePath string

	HummingbotVersion string
	DashboardVersion  string

	TenantDBName string
	TenantDBUser string

	MasterKey  string
	KeyVersion string

	HealthPollInterval time.Duration
	HealthPollTimeout  time.Duration

	HealthSweepInterval  time.Duration
	BackupSweepInterval  time.Duration
	CleanupSweepInterval time.Duration

	AlertDedupWindow time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
}

// LoadControlPlaneConfig constructs a ControlPlaneConfig from environment variables.
func LoadControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		Environment:          GetString("APP_ENV", "development"),
		MetricsAddr:          GetString("METRICS_ADDR", ":9402"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://controlplane:controlplane@db:5432/controlplane?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:           GetString("DOCKER_HOST", ""),
		TenantBasePath:       GetString("TENANT_BASE_PATH", "/srv/tenants"),
		BackupBasePath:       GetString("BACKUP_BASE_PATH", "/srv/backups"),
		HummingbotVersion:    GetString("HUMMINGBOT_VERSION", "latest"),
		DashboardVersion:     GetString("DASHBOARD_VERSION", "latest"),
		TenantDBName:         GetString("TENANT_DB_NAME", "hummingbot"),
		TenantDBUser:         GetString("TENANT_DB_USER", "hummingbot"),
		MasterKey:            GetString("ENCRYPTION_MASTER_KEY", ""),
		KeyVersion:           GetString("ENCRYPTION_KEY_VERSION", "v1"),
		HealthPollInterval:   GetDuration("HEALTH_POLL_INTERVAL", 5*time.Second),
		HealthPollTimeout:    GetDuration("HEALTH_POLL_TIMEOUT", 2*time.Minute),
		HealthSweepInterval:  GetDuration("HEALTH_SWEEP_INTERVAL", 5*time.Minute),
		BackupSweepInterval:  GetDuration("BACKUP_SWEEP_INTERVAL", 24*time.Hour),
		CleanupSweepInterval: GetDuration("CLEANUP_SWEEP_INTERVAL", 24*time.Hour),
		AlertDedupWindow:     GetDuration("ALERT_DEDUP_WINDOW", time.Hour),
		RedisAddr:            GetString("ALERT_REDIS_ADDR", ""),
		RedisPassword:        GetString("ALERT_REDIS_PASSWORD", ""),
		RedisDB:              GetInt("ALERT_REDIS_DB", 0),
	}
}
