package domain

import "time"

// TenantStatus enumerates the lifecycle states of a tenant stack.
type TenantStatus string

const (
	TenantProvisioning TenantStatus = "provisioning"
	TenantRunning      TenantStatus = "running"
	TenantStopped      TenantStatus = "stopped"
	TenantError        TenantStatus = "error"
	TenantTerminated   TenantStatus = "terminated"
)

// Terminal reports whether the status admits no further transitions.
func (s TenantStatus) Terminal() bool {
	return s == TenantTerminated
}

// Tenant is one customer's isolated deployment of the hosted stack.
// Rows are created once per customer and never hard-deleted; terminal
// states are retained for audit.
type Tenant struct {
	ID             string
	SubscriptionID string

	TenantCode  string
	DisplayName string

	Subdomain    string
	APISubdomain string
	DashboardURL string
	APIURL       string

	Status         TenantStatus
	DeploymentPath string
	ComposePath    string

	HummingbotVersion string
	DashboardVersion  string

	LastHealthCheck *time.Time
	HealthStatus    string
	CPUUsagePercent float64
	MemoryUsageMB   float64

	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantStatusUpdate mutates a tenant's lifecycle fields in one row write.
type TenantStatusUpdate struct {
	TenantID       string
	Status         TenantStatus
	DeploymentPath string
	ComposePath    string
	LastError      string
	UpdatedAt      time.Time
}

// TenantHealthUpdate overwrites a tenant's health snapshot. No history
// is retained; every check replaces the previous snapshot.
type TenantHealthUpdate struct {
	TenantID        string
	HealthStatus    string
	CPUUsagePercent float64
	MemoryUsageMB   float64
	CheckedAt       time.Time
}

// HealthReport is the transient result of a single health poll.
type HealthReport struct {
	TenantID   string
	Healthy    bool
	Containers []ContainerHealth
	CPUPercent float64
	MemoryMB   float64
	CheckedAt  time.Time
}

// ContainerHealth is one container's state within a tenant stack.
type ContainerHealth struct {
	Name  string
	State string
}
