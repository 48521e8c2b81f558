package domain

import "time"

// Subscription carries the quota and resource-limit facts for a tenant.
// Owned by the billing collaborator; the control plane reads it only.
type Subscription struct {
	ID     string
	Tier   string
	Status string

	MaxBots             int
	CPULimit            float64
	MemoryLimitMB       int
	BackupRetentionDays int

	CreatedAt time.Time
	UpdatedAt time.Time
}
