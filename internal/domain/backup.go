package domain

import "time"

// BackupType identifies what drove a snapshot.
type BackupType string

const (
	BackupFull       BackupType = "full"
	BackupConfigOnly BackupType = "config_only"
	BackupPreUpgrade BackupType = "pre_upgrade"
)

// Valid reports whether the type is one of the known backup types.
func (t BackupType) Valid() bool {
	switch t {
	case BackupFull, BackupConfigOnly, BackupPreUpgrade:
		return true
	}
	return false
}

// IncludesDatabase reports whether snapshots of this type carry a
// database dump. Config-only snapshots skip the dump.
func (t BackupType) IncludesDatabase() bool {
	return t == BackupFull || t == BackupPreUpgrade
}

// BackupStatus enumerates snapshot row states. A row transitions from
// running to exactly one terminal value before its creating call returns.
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// Backup records one snapshot attempt for a tenant.
type Backup struct {
	ID       string
	TenantID string

	BackupType       BackupType
	IncludesDatabase bool
	IncludesConfigs  bool
	IncludesLogs     bool

	Status        BackupStatus
	BackupPath    string
	FileSizeBytes int64
	ErrorMessage  string

	// RestoreStage records the last completed stage of an in-flight or
	// aborted restore so an operator can resume instead of re-running.
	RestoreStage string

	StartedAt   time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// BackupStatusUpdate moves a backup row to a terminal state in one write.
type BackupStatusUpdate struct {
	BackupID      string
	Status        BackupStatus
	BackupPath    string
	FileSizeBytes int64
	ErrorMessage  string
	CompletedAt   *time.Time
	ExpiresAt     *time.Time
}
